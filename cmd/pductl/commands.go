package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/zberg/go-pdu/pkg/config"
	"github.com/zberg/go-pdu/pkg/observability"
	"github.com/zberg/go-pdu/pkg/pdu"
)

var (
	configPath string
	envFile    string
	flagHost   string
	flagPort   int
	flagKind   string
	flagUser   string
	flagPass   string
	flagProf   string
	flagTime   time.Duration
	flagLevel  string

	cfg    *config.Config
	logger *zap.Logger
)

func init() {
	pf := rootCmd.PersistentFlags()
	pf.StringVar(&configPath, "config", "", "config file (default ./pductl.yaml)")
	pf.StringVar(&envFile, "env-file", ".env", "dotenv file with PDUCTL_* variables")
	pf.StringVar(&flagHost, "host", "", "PDU address")
	pf.IntVar(&flagPort, "port", 0, "TCP port (default depends on transport)")
	pf.StringVarP(&flagKind, "transport", "t", "", "transport: telnet, ssh or tcp")
	pf.StringVarP(&flagUser, "user", "u", "", "login username")
	pf.StringVarP(&flagPass, "password", "p", "", "login password")
	pf.StringVar(&flagProf, "profile", "", "built-in profile name")
	pf.DurationVar(&flagTime, "timeout", 0, "reply timeout")
	pf.StringVar(&flagLevel, "log-level", "", "log level: debug, info, warn, error")

	rootCmd.AddCommand(discoverCmd)
	rootCmd.AddCommand(infoCmd)
	rootCmd.AddCommand(onCmd)
	rootCmd.AddCommand(offCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(getCmd)
	rootCmd.AddCommand(keysCmd)
	rootCmd.AddCommand(profilesCmd)
	rootCmd.AddCommand(autoRestartCmd)
	rootCmd.AddCommand(resetStatsCmd)
	rootCmd.AddCommand(execCmd)
}

// setup loads the environment, the config file and flag overrides, then the logger.
func setup(cmd *cobra.Command, _ []string) error {
	if err := config.LoadDotEnv(envFile); err != nil {
		return fmt.Errorf("load %s: %w", envFile, err)
	}
	c, err := config.Load(configPath)
	if err != nil {
		return err
	}

	flags := cmd.Flags()
	if flags.Changed("host") {
		c.Host = flagHost
	}
	if flags.Changed("port") {
		c.Port = flagPort
	}
	if flags.Changed("transport") {
		c.Transport = flagKind
	}
	if flags.Changed("user") {
		c.Username = flagUser
	}
	if flags.Changed("password") {
		c.Password = flagPass
	}
	if flags.Changed("profile") {
		c.Profile = flagProf
		c.ProfileFile = ""
	}
	if flags.Changed("timeout") {
		c.Timeout = flagTime
	}
	if flags.Changed("log-level") {
		c.Log.Level = flagLevel
	}
	if err := c.Validate(); err != nil {
		return err
	}

	l, err := observability.SetupLogger(c.Log)
	if err != nil {
		return fmt.Errorf("setup logger: %w", err)
	}
	cfg, logger = c, l
	return nil
}

func teardown(*cobra.Command, []string) {
	if logger != nil {
		_ = logger.Sync()
	}
}

func commandContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt)
}

var discoverCmd = &cobra.Command{
	Use:   "discover",
	Short: "Discover PDUs on the local network",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := commandContext()
		defer cancel()

		port := cfg.Port
		if port == 0 {
			port = cfg.Kind().DefaultPort()
		}
		fmt.Printf("Discovering devices on port %d...\n", port)
		results, err := pdu.Discover(ctx, port)
		if err != nil {
			return fmt.Errorf("discover: %w", err)
		}

		if len(results) == 0 {
			fmt.Println("No devices found.")
			return nil
		}
		for _, res := range results {
			fmt.Printf("Found device at: %s:%d\n", res.IP, res.Port)
		}
		return nil
	},
}

var infoCmd = &cobra.Command{
	Use:   "info",
	Short: "Show device identity and outlet states",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := commandContext()
		defer cancel()
		client, err := getClient(ctx)
		if err != nil {
			return err
		}
		defer client.Close()

		inv, err := client.Initialize(ctx)
		if err != nil {
			return fmt.Errorf("initialize: %w", err)
		}
		fmt.Printf("Manufacturer: %s\n", inv.Manufacturer)
		fmt.Printf("Model:        %s\n", inv.Model)
		fmt.Printf("Firmware:     %s\n", inv.Version)
		fmt.Printf("Serial:       %s\n", inv.Serial)
		fmt.Printf("Outlets:      %d\n", inv.OutletCount)
		for _, o := range inv.Outlets {
			fmt.Printf("  Outlet %d: %-20s %s\n", o.Number, o.Name, o.State)
		}
		return nil
	},
}

var onCmd = &cobra.Command{
	Use:   "on [outlet]",
	Short: "Switch an outlet on",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return switchOutlet(args[0], (*pdu.Client).OutletOn)
	},
}

var offCmd = &cobra.Command{
	Use:   "off [outlet]",
	Short: "Switch an outlet off",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return switchOutlet(args[0], (*pdu.Client).OutletOff)
	},
}

func switchOutlet(arg string, fn func(*pdu.Client, context.Context, int) error) error {
	n, err := parseOutletNumber(arg)
	if err != nil {
		return err
	}
	ctx, cancel := commandContext()
	defer cancel()
	client, err := getClient(ctx)
	if err != nil {
		return err
	}
	defer client.Close()

	if err := fn(client, ctx, n); err != nil {
		return fmt.Errorf("outlet %d: %w", n, err)
	}
	fmt.Println("Command sent successfully.")
	return nil
}

var statusCmd = &cobra.Command{
	Use:   "status [outlet|all]",
	Short: "Show outlet switch state",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		target := pdu.AllOutlets
		if len(args) == 1 {
			o, err := pdu.ParseOutlet(args[0])
			if err != nil {
				return err
			}
			target = o
		}

		ctx, cancel := commandContext()
		defer cancel()
		client, err := getClient(ctx)
		if err != nil {
			return err
		}
		defer client.Close()

		if target == pdu.AllOutlets {
			states, err := client.OutletStates(ctx)
			if err != nil {
				return fmt.Errorf("outlet states: %w", err)
			}
			for i, s := range states {
				fmt.Printf("Outlet %d: %s\n", i+1, s)
			}
			return nil
		}

		state, err := client.OutletStatus(ctx, int(target))
		if err != nil {
			return fmt.Errorf("outlet %d: %w", target, err)
		}
		fmt.Printf("Outlet %d: %s\n", target, state)
		return nil
	},
}

var getCmd = &cobra.Command{
	Use:   "get [key] [outlet|all]",
	Short: "Read one device or outlet value",
	Args:  cobra.RangeArgs(1, 2),
	RunE: func(cmd *cobra.Command, args []string) error {
		outlet := pdu.NoOutlet
		if len(args) == 2 {
			o, err := pdu.ParseOutlet(args[1])
			if err != nil {
				return err
			}
			outlet = o
		}

		ctx, cancel := commandContext()
		defer cancel()
		client, err := getClient(ctx)
		if err != nil {
			return err
		}
		defer client.Close()

		v, err := client.GetAtomicValue(ctx, args[0], outlet)
		if err != nil {
			return err
		}
		if len(v.Items) > 1 {
			for i, item := range v.Items {
				fmt.Printf("%d: %s\n", i+1, item)
			}
			return nil
		}
		fmt.Println(v.Raw)
		return nil
	},
}

var keysCmd = &cobra.Command{
	Use:   "keys",
	Short: "List the readable keys of the configured profile",
	RunE: func(cmd *cobra.Command, args []string) error {
		prof, err := cfg.LoadProfile()
		if err != nil {
			return err
		}
		reg, err := prof.Registry()
		if err != nil {
			return err
		}
		fmt.Printf("Device keys: %s\n", strings.Join(reg.DeviceKeys(), ", "))
		fmt.Printf("Outlet keys: %s\n", strings.Join(reg.OutletKeys(), ", "))
		return nil
	},
}

var profilesCmd = &cobra.Command{
	Use:   "profiles",
	Short: "List built-in command profiles",
	Run: func(cmd *cobra.Command, args []string) {
		for _, name := range pdu.BuiltinProfiles() {
			fmt.Println(name)
		}
	},
}

var autoRestartCmd = &cobra.Command{
	Use:   "autorestart [outlet] [off|on|last]",
	Short: "Set outlet behaviour at PDU power-up",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		n, err := parseOutletNumber(args[0])
		if err != nil {
			return err
		}
		mode, err := pdu.ParseAutoRestart(args[1])
		if err != nil {
			return err
		}

		ctx, cancel := commandContext()
		defer cancel()
		client, err := getClient(ctx)
		if err != nil {
			return err
		}
		defer client.Close()

		if err := client.SetAutoRestart(ctx, n, mode); err != nil {
			return fmt.Errorf("outlet %d: %w", n, err)
		}
		fmt.Println("Command sent successfully.")
		return nil
	},
}

var resetStatsCmd = &cobra.Command{
	Use:   "reset-stats [outlet]",
	Short: "Reset outlet energy counters",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return switchOutlet(args[0], (*pdu.Client).ResetStatistics)
	},
}

var execCmd = &cobra.Command{
	Use:   "exec [command...]",
	Short: "Send a raw command line and print the reply",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := commandContext()
		defer cancel()
		client, err := getClient(ctx)
		if err != nil {
			return err
		}
		defer client.Close()

		if err := client.SendCommand(ctx, strings.Join(args, " ")); err != nil {
			return err
		}
		reply, err := client.ReadReply()
		if err != nil {
			return err
		}
		for _, line := range reply {
			fmt.Println(line)
		}
		return nil
	},
}

func parseOutletNumber(s string) (int, error) {
	n, err := strconv.Atoi(s)
	if err != nil || n < 1 {
		return 0, fmt.Errorf("invalid outlet number %q: must be a positive number", s)
	}
	return n, nil
}

func getClient(ctx context.Context) (*pdu.Client, error) {
	if cfg.Host == "" {
		return nil, errors.New("host required: use --host, PDUCTL_HOST or run discover first")
	}
	prof, err := cfg.LoadProfile()
	if err != nil {
		return nil, err
	}

	opts := []pdu.ClientOption{
		pdu.WithTransportKind(cfg.Kind()),
		pdu.WithProfile(prof),
		pdu.WithReadTimeout(cfg.Timeout),
		pdu.WithConnectTimeout(cfg.ConnectTimeout),
		pdu.WithLogger(observability.Slog(logger).With(slog.String("host", cfg.Host))),
	}
	if cfg.Port != 0 {
		opts = append(opts, pdu.WithPort(cfg.Port))
	}

	client, err := pdu.Dial(ctx, cfg.Host, cfg.Credentials(), opts...)
	if err != nil {
		return nil, fmt.Errorf("connect to %s: %w", cfg.Host, err)
	}
	return client, nil
}
