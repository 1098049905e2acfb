package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/w-protect/companion/internal/alerts"
	"github.com/w-protect/companion/internal/config"
	"github.com/w-protect/companion/internal/contacts"
	"github.com/w-protect/companion/internal/device"
	"github.com/w-protect/companion/internal/location"
	"github.com/w-protect/companion/internal/logging"
	"github.com/w-protect/companion/internal/profile"
	"github.com/w-protect/companion/internal/remote"
	"github.com/w-protect/companion/internal/store"
)

const probeInterval = 15 * time.Second

var cfgFile string

func main() {
	rootCmd := &cobra.Command{
		Use:   "companion",
		Short: "W-Protect device companion agent",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return initConfig()
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return runAgent(cmd.Context())
		},
	}

	setupFlags(rootCmd)
	rootCmd.AddCommand(newContactsCmd(), newSyncCmd(), newAlertCmd(), newRegisterCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func setupFlags(cmd *cobra.Command) {
	config.ApplyDefaults(viper.GetViper())
	defaults := config.NewViper()
	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "Path to configuration file")
	cmd.PersistentFlags().String("backend-url", defaults.GetString("backend.base_url"), "W-Protect backend base URL")
	cmd.PersistentFlags().String("database-path", defaults.GetString("database.path"), "SQLite database path")
	cmd.PersistentFlags().String("log-level", defaults.GetString("log.level"), "Log level (debug, info, warn, error)")
	cmd.PersistentFlags().Int64("owner-id", 0, "Owner profile id (overrides the registered profile)")
	cmd.PersistentFlags().String("device-id", "", "Device identifier (overrides the platform identity)")
	cmd.PersistentFlags().Duration("track-interval", defaults.GetDuration("track.interval"), "Location tracking interval")

	bindFlag(cmd, "backend.base_url", "backend-url")
	bindFlag(cmd, "database.path", "database-path")
	bindFlag(cmd, "log.level", "log-level")
	bindFlag(cmd, "owner.id", "owner-id")
	bindFlag(cmd, "device.id", "device-id")
	bindFlag(cmd, "track.interval", "track-interval")
}

func bindFlag(cmd *cobra.Command, key, flag string) {
	if err := viper.BindPFlag(key, cmd.PersistentFlags().Lookup(flag)); err != nil {
		panic(err)
	}
}

func initConfig() error {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	}

	if err := viper.ReadInConfig(); err != nil {
		var configNotFound viper.ConfigFileNotFoundError
		if cfgFile != "" && errors.As(err, &configNotFound) {
			return err
		}
	}

	return nil
}

// app bundles the wired components shared by every command.
type app struct {
	cfg      config.AppConfig
	logger   *zap.Logger
	store    *store.Store
	client   *remote.Client
	monitor  *device.ProbeMonitor
	identity device.IdentityProvider
	locator  device.Locator
	profiles *profile.Service
}

func buildApp() (*app, error) {
	cfg, err := config.Load(viper.GetViper())
	if err != nil {
		return nil, err
	}

	logger, err := logging.NewLogger(cfg.LogLevel)
	if err != nil {
		return nil, err
	}

	st, err := store.OpenSQLite(cfg.DatabasePath, logger)
	if err != nil {
		return nil, err
	}

	client, err := remote.NewClient(remote.ClientConfig{
		BaseURL: cfg.BackendBaseURL,
		Timeout: cfg.HTTPTimeout,
		Logger:  logger,
	})
	if err != nil {
		return nil, err
	}

	identity := device.NewFallbackIdentity(device.StaticIdentity(cfg.DeviceID), st, logger)

	profiles, err := profile.NewService(profile.ServiceConfig{
		Store:    st,
		Remote:   client,
		Identity: identity,
		Logger:   logger,
	})
	if err != nil {
		return nil, err
	}

	return &app{
		cfg:      cfg,
		logger:   logger,
		store:    st,
		client:   client,
		monitor:  device.NewProbeMonitor(cfg.BackendBaseURL, probeInterval),
		identity: identity,
		locator:  buildLocator(),
		profiles: profiles,
	}, nil
}

// buildLocator wires the position source. Hosts running the agent outside
// a mobile shell have no geolocation bridge; fixed coordinates from the
// environment stand in, and without them every acquisition fails softly.
func buildLocator() device.Locator {
	v := viper.GetViper()
	if v.IsSet("location.latitude") && v.IsSet("location.longitude") {
		position := device.Position{
			Latitude:  v.GetFloat64("location.latitude"),
			Longitude: v.GetFloat64("location.longitude"),
			Accuracy:  v.GetFloat64("location.accuracy"),
		}
		return device.FuncLocator{
			PositionFunc: func(context.Context) (device.Position, error) {
				return position, nil
			},
		}
	}
	return device.FuncLocator{}
}

func (a *app) ownerID(ctx context.Context) (int64, error) {
	if a.cfg.OwnerID > 0 {
		return a.cfg.OwnerID, nil
	}
	current, err := a.profiles.Current(ctx)
	if err != nil {
		return 0, err
	}
	if current.ID == nil {
		return 0, profile.ErrNotRegistered
	}
	return *current.ID, nil
}

func (a *app) coordinator(ctx context.Context) (*contacts.Coordinator, error) {
	ownerID, err := a.ownerID(ctx)
	if err != nil {
		return nil, err
	}
	return contacts.NewCoordinator(contacts.CoordinatorConfig{
		OwnerID:  ownerID,
		Store:    a.store,
		Remote:   a.client,
		Monitor:  a.monitor,
		Notifier: contacts.NewLogNotifier(a.logger),
		Logger:   a.logger,
	})
}

func runAgent(ctx context.Context) error {
	a, err := buildApp()
	if err != nil {
		return err
	}
	defer a.logger.Sync() //nolint:errcheck

	signalCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go a.monitor.Run(signalCtx)

	coordinator, err := a.coordinator(signalCtx)
	if err != nil {
		return err
	}
	go coordinator.Watch(signalCtx)

	deviceID, err := a.identity.DeviceID(signalCtx)
	if err != nil {
		return err
	}

	tracker, err := location.NewTracker(location.TrackerConfig{
		Poster:   a.client,
		Locator:  a.locator,
		Interval: a.cfg.TrackInterval,
		Logger:   a.logger,
	})
	if err != nil {
		return err
	}
	if err := tracker.Start(signalCtx, deviceID); err != nil {
		if errors.Is(err, device.ErrPermissionDenied) {
			a.logger.Warn("location tracking disabled: permission denied")
		} else {
			return err
		}
	}
	defer tracker.Stop()

	a.logger.Info("companion agent running",
		zap.String("backend", a.cfg.BackendBaseURL),
		zap.String("device_id", deviceID))

	<-signalCtx.Done()
	return nil
}

func newContactsCmd() *cobra.Command {
	contactsCmd := &cobra.Command{
		Use:   "contacts",
		Short: "Manage the emergency contact list",
	}

	var name, phone, alias string
	addCmd := &cobra.Command{
		Use:   "add",
		Short: "Add an emergency contact",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := buildApp()
			if err != nil {
				return err
			}
			a.monitor.Set(true)
			coordinator, err := a.coordinator(cmd.Context())
			if err != nil {
				return err
			}
			confirmed, err := coordinator.Add(cmd.Context(), contacts.Contact{
				Name:  name,
				Phone: phone,
				Alias: alias,
			})
			if err != nil {
				return err
			}
			printContact(cmd, confirmed)
			return nil
		},
	}
	addCmd.Flags().StringVar(&name, "name", "", "Contact display name")
	addCmd.Flags().StringVar(&phone, "phone", "", "Contact phone number")
	addCmd.Flags().StringVar(&alias, "alias", "", "Optional display alias")

	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List the emergency contacts",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := buildApp()
			if err != nil {
				return err
			}
			a.monitor.Set(true)
			coordinator, err := a.coordinator(cmd.Context())
			if err != nil {
				return err
			}
			for _, contact := range coordinator.Contacts() {
				printContact(cmd, contact)
			}
			pending, err := coordinator.PendingSync()
			if err != nil {
				return err
			}
			if pending {
				cmd.Println("(pending sync)")
			}
			return nil
		},
	}

	aliasCmd := &cobra.Command{
		Use:   "alias <phone> <alias>",
		Short: "Set the display alias of a contact",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := buildApp()
			if err != nil {
				return err
			}
			a.monitor.Set(true)
			coordinator, err := a.coordinator(cmd.Context())
			if err != nil {
				return err
			}
			confirmed, err := coordinator.UpdateAlias(cmd.Context(), args[0], args[1])
			if err != nil {
				return err
			}
			printContact(cmd, confirmed)
			return nil
		},
	}

	removeCmd := &cobra.Command{
		Use:   "remove <phone>",
		Short: "Remove an emergency contact",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := buildApp()
			if err != nil {
				return err
			}
			a.monitor.Set(true)
			coordinator, err := a.coordinator(cmd.Context())
			if err != nil {
				return err
			}
			return coordinator.Remove(cmd.Context(), args[0])
		},
	}

	contactsCmd.AddCommand(addCmd, listCmd, aliasCmd, removeCmd)
	return contactsCmd
}

func newSyncCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sync",
		Short: "Reconcile local contacts with the backend",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := buildApp()
			if err != nil {
				return err
			}
			a.monitor.Set(true)
			coordinator, err := a.coordinator(cmd.Context())
			if err != nil {
				return err
			}
			return coordinator.Reconcile(cmd.Context())
		},
	}
}

func newAlertCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "alert [message]",
		Short: "Trigger an emergency alert",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := buildApp()
			if err != nil {
				return err
			}
			ownerID, err := a.ownerID(cmd.Context())
			if err != nil {
				return err
			}
			service, err := alerts.NewService(alerts.ServiceConfig{
				Remote:  a.client,
				Locator: a.locator,
				Logger:  a.logger,
			})
			if err != nil {
				return err
			}
			message := alerts.DefaultMessage
			if len(args) == 1 {
				message = args[0]
			}
			_, err = service.Trigger(cmd.Context(), ownerID, message)
			return err
		},
	}
}

func newRegisterCmd() *cobra.Command {
	var name, email, phone string
	registerCmd := &cobra.Command{
		Use:   "register",
		Short: "Register this device's owner profile",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := buildApp()
			if err != nil {
				return err
			}
			confirmed, err := a.profiles.Register(cmd.Context(), remote.Profile{
				Name:  name,
				Email: email,
				Phone: phone,
			})
			if err != nil {
				return err
			}
			if confirmed.ID != nil {
				cmd.Printf("registered profile %d (%s)\n", *confirmed.ID, confirmed.Email)
			}
			return nil
		},
	}
	registerCmd.Flags().StringVar(&name, "name", "", "Owner display name")
	registerCmd.Flags().StringVar(&email, "email", "", "Owner email address")
	registerCmd.Flags().StringVar(&phone, "phone", "", "Owner phone number")
	return registerCmd
}

func printContact(cmd *cobra.Command, contact contacts.Contact) {
	id := "pending"
	if contact.ID != nil {
		id = fmt.Sprintf("%d", *contact.ID)
	}
	line := fmt.Sprintf("[%s] %s %s", id, contact.DisplayName(), contact.Phone)
	if contact.Alias != "" && contact.Alias != contact.Name {
		line += fmt.Sprintf(" (%s)", contact.Name)
	}
	cmd.Println(strings.TrimSpace(line))
}
