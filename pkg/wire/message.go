package wire

import (
	"strconv"

	"github.com/miekg/dns"
)

// ResourceRecord is one decoded record. Rdata is carried verbatim, lanwatch
// never interprets it.
type ResourceRecord struct {
	Name  string
	Type  uint16
	Class uint16
	TTL   uint32
	Data  []byte
}

// TypeName returns the mnemonic for the record type, e.g. "PTR" or "SRV".
// Codes without a known mnemonic render as "TYPE<n>" (RFC 3597 form).
func (rr *ResourceRecord) TypeName() string {
	return TypeName(rr.Type)
}

func TypeName(t uint16) string {
	if s, ok := dns.TypeToString[t]; ok {
		return s
	}
	return "TYPE" + strconv.Itoa(int(t))
}

// Message is a parsed DNS message. Only the answer and additional sections
// carry data, questions and authority records are consumed during parsing to
// keep the cursor aligned and then discarded.
type Message struct {
	ID    uint16
	Flags uint16

	// Answers and Additionals preserve wire order.
	Answers     []ResourceRecord
	Additionals []ResourceRecord
}

// IsResponse reports whether the QR header bit is set.
func (m *Message) IsResponse() bool {
	return m.Flags&0x8000 != 0
}
