// cmd/mfdeploy/cmd/root.go
package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"mfdeploy/internal/config"
	"mfdeploy/internal/device"
	"mfdeploy/internal/service"
	"mfdeploy/internal/transport"
	"mfdeploy/internal/utils"
)

// rootOptions carries the global flags and the state built from them
type rootOptions struct {
	configFile     string
	verbose        bool
	port           string
	bootloaderPort string
	timeout        time.Duration
	logLevel       string
	logFormat      string
	chunkSize      int

	cfg    *config.Config
	logger *zap.Logger

	// opener replaces the transport factory; nil uses the configured ports
	opener device.StreamOpener
}

// Execute runs the root command. SIGINT and SIGTERM cancel the running
// device operation.
func Execute() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := NewRootCommand().ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		stop()
		os.Exit(1)
	}
}

// NewRootCommand builds the mfdeploy command tree
func NewRootCommand() *cobra.Command {
	return newRootCommand(&rootOptions{})
}

func newRootCommand(o *rootOptions) *cobra.Command {
	root := &cobra.Command{
		Use:   "mfdeploy",
		Short: "Deploy and manage firmware on .NET Micro Framework devices",
		Long: `mfdeploy talks to devices running the TinyBooter bootloader or the
TinyCLR runtime over serial, USB or TCP.

Port specs:
  serial:<name>[@baud]     serial:/dev/ttyUSB0@115200
  tcp:<ip>[:port]          tcp:192.168.1.50
  usb:<unique-id|name>     usb:Board_1a2b3c4d

Examples:
  mfdeploy ports --kind usb
  mfdeploy ping --port serial:COM3
  mfdeploy deploy --port tcp:192.168.1.50 app.hex --execute
  mfdeploy serve --config configs/config.yaml`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return o.setup(cmd)
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			if o.logger != nil {
				utils.CloseLogger(o.logger)
			}
		},
	}

	flags := root.PersistentFlags()
	flags.StringVar(&o.configFile, "config", "", "config file (default ./config.yaml or ./configs/config.yaml)")
	flags.BoolVarP(&o.verbose, "verbose", "v", false, "debug logging and device output")
	flags.StringVarP(&o.port, "port", "p", "", "device port spec")
	flags.StringVar(&o.bootloaderPort, "bootloader-port", "", "port the bootloader enumerates on, when it differs")
	flags.DurationVar(&o.timeout, "timeout", 0, "connect timeout (overrides device.connect_timeout)")
	flags.StringVar(&o.logLevel, "log-level", "", "log level: debug, info, warn, error")
	flags.StringVar(&o.logFormat, "log-format", "", "log format: console or json")
	flags.IntVar(&o.chunkSize, "chunk-size", 0, "deploy write size in bytes (overrides device.chunk_size)")

	root.AddCommand(
		newPortsCommand(o),
		newPingCommand(o),
		newEraseCommand(o),
		newDeployCommand(o),
		newExecuteCommand(o),
		newRebootCommand(o),
		newInfoCommand(o),
		newOemInfoCommand(o),
		newServeCommand(o),
	)

	return root
}

// setup loads the configuration and builds the logger
func (o *rootOptions) setup(cmd *cobra.Command) error {
	cfg, err := config.Load(o.configFile, cmd.Flags())
	if err != nil {
		return err
	}
	if o.verbose {
		cfg.Logging.Level = "debug"
	}

	logger, err := utils.NewLogger(&cfg.Logging)
	if err != nil {
		return err
	}

	o.cfg = cfg
	o.logger = logger
	return nil
}

func (o *rootOptions) discovery() *service.DiscoveryService {
	return service.NewDiscoveryService(o.cfg, o.logger)
}

// connect resolves --port, opens a session and connects to the device.
// The session is cancelled when ctx is; the caller closes it.
func (o *rootOptions) connect(ctx context.Context, out io.Writer) (*device.Session, error) {
	if o.port == "" {
		return nil, errors.New("--port is required")
	}

	ds := o.discovery()
	port, err := ds.ResolvePort(ctx, o.port)
	if err != nil {
		return nil, err
	}

	opener := o.opener
	if opener == nil {
		opener = device.TransportOpener(transport.OptionsFromConfig(o.cfg.Device.Ports, o.logger))
	}

	opts := []device.Option{
		device.WithLogger(o.logger),
		device.WithSettings(device.SettingsFromConfig(o.cfg.Device)),
		device.WithStreamOpener(opener),
	}
	if o.bootloaderPort != "" {
		bootPort, err := ds.ResolvePort(ctx, o.bootloaderPort)
		if err != nil {
			return nil, fmt.Errorf("invalid bootloader port: %w", err)
		}
		opts = append(opts, device.WithBootloaderPort(bootPort))
	}

	session := device.NewSession(port, opts...)
	session.Subscribe(o.printer(out))

	ok, err := session.Connect(ctx, o.cfg.Device.ConnectTimeout, true)
	if err != nil {
		session.Close()
		if device.IsDeviceError(err) {
			o.logger.Debug("Connect failed", zap.Stringer("port", port), zap.Error(err))
			return nil, fmt.Errorf("failed to connect: %s", device.UserMessage(err))
		}
		return nil, fmt.Errorf("failed to connect: %w", err)
	}
	if !ok {
		session.Close()
		return nil, fmt.Errorf("%w on %s", service.ErrNotResponding, port)
	}

	context.AfterFunc(ctx, session.Cancel)
	return session, nil
}

// printer renders progress, and device output when verbose
func (o *rootOptions) printer(out io.Writer) device.Observer {
	return func(ev device.Event) {
		switch ev.Type {
		case device.EventProgress:
			p := ev.Progress
			if p.Total > 0 {
				fmt.Fprintf(out, "\r%-28s %3d%%", p.Status, p.Value*100/p.Total)
				if p.Value >= p.Total {
					fmt.Fprintln(out)
				}
			} else {
				fmt.Fprintln(out, p.Status)
			}
		case device.EventDebugText:
			if o.verbose {
				fmt.Fprint(out, ev.Text)
			}
		}
	}
}

// withSession runs fn against a connected session. Device failures are
// reported by their fixed message; the full chain goes to the debug log.
func (o *rootOptions) withSession(cmd *cobra.Command, fn func(ctx context.Context, s *device.Session) error) error {
	ctx := cmd.Context()
	session, err := o.connect(ctx, cmd.ErrOrStderr())
	if err != nil {
		return err
	}
	defer session.Close()

	if err := fn(ctx, session); err != nil {
		if device.IsUserExit(err) || device.IsDeviceError(err) {
			o.logger.Debug("Device operation failed", zap.Error(err))
			return errors.New(device.UserMessage(err))
		}
		return err
	}
	return nil
}
