package coremain

import (
	"fmt"

	"github.com/kardianos/service"
	"github.com/spf13/cobra"

	"github.com/pmkol/lanwatch/mlog"
)

var svcCfg = &service.Config{
	Name:        "lanwatch",
	DisplayName: "lanwatch",
	Description: "Passive mDNS service observer.",
}

var svc service.Service

// serverService adapts StartServer to the kardianos service interface.
type serverService struct {
	f *serverFlags
}

func (ss *serverService) Start(s service.Service) error {
	go func() {
		if err := StartServer(ss.f); err != nil {
			mlog.S().Fatal(err)
		}
	}()
	return nil
}

func (ss *serverService) Stop(s service.Service) error {
	return nil
}

func initService(cmd *cobra.Command, args []string) error {
	s, err := service.New(&serverService{f: new(serverFlags)}, svcCfg)
	if err != nil {
		return fmt.Errorf("failed to init service, %w", err)
	}
	svc = s
	return nil
}

func newSvcInstallCmd() *cobra.Command {
	sf := new(serverFlags)
	c := &cobra.Command{
		Use:   "install [-c config_file] [-d working_dir]",
		Short: "Install lanwatch as a system service.",
		RunE: func(cmd *cobra.Command, args []string) error {
			args = []string{"start", "--as-service"}
			if len(sf.c) > 0 {
				args = append(args, "-c", sf.c)
			}
			if len(sf.dir) > 0 {
				args = append(args, "-d", sf.dir)
			}
			svcCfg.Arguments = args
			s, err := service.New(&serverService{f: sf}, svcCfg)
			if err != nil {
				return fmt.Errorf("failed to init service, %w", err)
			}
			return s.Install()
		},
		DisableFlagsInUseLine: true,
	}
	fs := c.Flags()
	fs.StringVarP(&sf.c, "config", "c", "", "config file")
	fs.StringVarP(&sf.dir, "dir", "d", "", "working dir")
	return c
}

func newSvcUninstallCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "uninstall",
		Short: "Uninstall the lanwatch service.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return svc.Uninstall()
		},
	}
}

func newSvcStartCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "start",
		Short: "Start the lanwatch service.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return svc.Start()
		},
	}
}

func newSvcStopCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stop",
		Short: "Stop the lanwatch service.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return svc.Stop()
		},
	}
}

func newSvcRestartCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "restart",
		Short: "Restart the lanwatch service.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return svc.Restart()
		},
	}
}

func newSvcStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show the lanwatch service status.",
		RunE: func(cmd *cobra.Command, args []string) error {
			status, err := svc.Status()
			if err != nil {
				return err
			}
			switch status {
			case service.StatusRunning:
				fmt.Println("running")
			case service.StatusStopped:
				fmt.Println("stopped")
			default:
				fmt.Println("unknown")
			}
			return nil
		},
	}
}
