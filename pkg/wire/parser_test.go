package wire

import (
	"testing"

	"github.com/miekg/dns"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func packMsg(t *testing.T, m *dns.Msg) []byte {
	t.Helper()
	b, err := m.Pack()
	require.NoError(t, err)
	return b
}

func TestParsePTRResponse(t *testing.T) {
	m := new(dns.Msg)
	m.Id = 0xbeef
	m.Response = true
	m.Answer = []dns.RR{&dns.PTR{
		Hdr: dns.RR_Header{
			Name:   "_ipp._tcp.local.",
			Rrtype: dns.TypePTR,
			Class:  dns.ClassINET,
			Ttl:    4500,
		},
		Ptr: "Printer._ipp._tcp.local.",
	}}

	msg, err := Parse(packMsg(t, m))
	require.NoError(t, err)

	assert.Equal(t, uint16(0xbeef), msg.ID)
	assert.True(t, msg.IsResponse())
	require.Len(t, msg.Answers, 1)
	assert.Empty(t, msg.Additionals)

	rr := msg.Answers[0]
	assert.Equal(t, "_ipp._tcp.local", rr.Name)
	assert.Equal(t, dns.TypePTR, rr.Type)
	assert.Equal(t, uint32(4500), rr.TTL)
	assert.Equal(t, "PTR", rr.TypeName())
	assert.NotEmpty(t, rr.Data)
}

func TestParseQuery(t *testing.T) {
	m := new(dns.Msg)
	m.SetQuestion("_services._dns-sd._udp.local.", dns.TypePTR)

	msg, err := Parse(packMsg(t, m))
	require.NoError(t, err)
	assert.False(t, msg.IsResponse())
	assert.Empty(t, msg.Answers)
}

func TestParseAuthorityDiscarded(t *testing.T) {
	m := new(dns.Msg)
	m.Response = true
	m.Ns = []dns.RR{&dns.NS{
		Hdr: dns.RR_Header{Name: "local.", Rrtype: dns.TypeNS, Class: dns.ClassINET, Ttl: 60},
		Ns:  "ns.local.",
	}}
	m.Extra = []dns.RR{&dns.TXT{
		Hdr: dns.RR_Header{Name: "info.local.", Rrtype: dns.TypeTXT, Class: dns.ClassINET, Ttl: 120},
		Txt: []string{"k=v"},
	}}

	msg, err := Parse(packMsg(t, m))
	require.NoError(t, err)
	assert.Empty(t, msg.Answers)
	require.Len(t, msg.Additionals, 1)
	assert.Equal(t, "info.local", msg.Additionals[0].Name)
	assert.Equal(t, "TXT", msg.Additionals[0].TypeName())
}

func TestParseSizeBounds(t *testing.T) {
	_, err := Parse(make([]byte, 11))
	assert.ErrorIs(t, err, ErrShortPacket)

	_, err = Parse(nil)
	assert.ErrorIs(t, err, ErrShortPacket)

	_, err = Parse(make([]byte, 65536))
	assert.ErrorIs(t, err, ErrOversizePacket)
}

// header builds a raw 12-byte DNS header.
func header(id, flags, qd, an, ns, ar uint16) []byte {
	out := make([]byte, 0, 12)
	for _, v := range []uint16{id, flags, qd, an, ns, ar} {
		out = append(out, byte(v>>8), byte(v))
	}
	return out
}

func TestParseInflatedCounts(t *testing.T) {
	// 101 combined records is over the cap even though the header itself
	// is well-formed.
	buf := header(1, 0x8400, 0, 101, 0, 0)
	_, err := Parse(buf)
	assert.ErrorIs(t, err, ErrTooManyRecords)

	// Spread across sections.
	buf = header(1, 0x8400, 30, 30, 30, 11)
	_, err = Parse(buf)
	assert.ErrorIs(t, err, ErrTooManyRecords)
}

func TestParseRdataOverflow(t *testing.T) {
	buf := header(1, 0x8400, 0, 1, 0, 0)
	buf = append(buf, 0x01, 'a', 0x00)             // name "a"
	buf = append(buf, 0x00, 0x0c, 0x00, 0x01)      // type PTR, class IN
	buf = append(buf, 0x00, 0x00, 0x00, 0x78)      // ttl 120
	buf = append(buf, 0x00, 0x10)                  // rdlength 16
	buf = append(buf, 0xde, 0xad)                  // only 2 bytes present

	_, err := Parse(buf)
	assert.ErrorIs(t, err, ErrRdataOverflow)
}

func TestParseTruncatedRecordHeader(t *testing.T) {
	buf := header(1, 0x8400, 0, 1, 0, 0)
	buf = append(buf, 0x01, 'a', 0x00) // name, then only 4 of 10 fixed bytes
	buf = append(buf, 0x00, 0x0c, 0x00, 0x01)

	_, err := Parse(buf)
	assert.ErrorIs(t, err, ErrTruncated)
}

func TestParseEmptyNameRecordDropped(t *testing.T) {
	buf := header(1, 0x8400, 0, 2, 0, 0)
	// First answer: root (empty) name, dropped on its own.
	buf = append(buf, 0x00)
	buf = append(buf, 0x00, 0x0c, 0x00, 0x01)
	buf = append(buf, 0x00, 0x00, 0x00, 0x78)
	buf = append(buf, 0x00, 0x02, 0xaa, 0xbb)
	// Second answer survives.
	buf = append(buf, 0x01, 'b', 0x00)
	buf = append(buf, 0x00, 0x0c, 0x00, 0x01)
	buf = append(buf, 0x00, 0x00, 0x00, 0x78)
	buf = append(buf, 0x00, 0x01, 0xcc)

	msg, err := Parse(buf)
	require.NoError(t, err)
	require.Len(t, msg.Answers, 1)
	assert.Equal(t, "b", msg.Answers[0].Name)
	assert.Equal(t, []byte{0xcc}, msg.Answers[0].Data)
}

func TestParseBadNameFailsWholeParse(t *testing.T) {
	// A self-referencing pointer in the question section kills the packet.
	buf := header(1, 0x8400, 1, 0, 0, 0)
	buf = append(buf, 0xC0, 0x0C)             // pointer to itself
	buf = append(buf, 0x00, 0x0c, 0x00, 0x01) // qtype/qclass

	_, err := Parse(buf)
	assert.ErrorIs(t, err, ErrForwardPointer)
}

func TestTypeName(t *testing.T) {
	assert.Equal(t, "PTR", TypeName(12))
	assert.Equal(t, "SRV", TypeName(33))
	assert.Equal(t, "TYPE65280", TypeName(65280))
}
