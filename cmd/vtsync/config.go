package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/spf13/cobra"

	"github.com/vtranscriptor/vtsync/internal/config"
	"github.com/vtranscriptor/vtsync/internal/settings"
	"github.com/vtranscriptor/vtsync/internal/sync"
	"github.com/vtranscriptor/vtsync/internal/ui"
)

var configCmd = &cobra.Command{
	Use:     "config",
	GroupID: "advanced",
	Short:   "Manage the config file",
}

var configInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Write a config file with default values",
	Run: func(cmd *cobra.Command, args []string) {
		force, _ := cmd.Flags().GetBool("force")
		remoteURL, _ := cmd.Flags().GetString("remote")
		signingKey, _ := cmd.Flags().GetString("signing-key")

		cfg := config.Default()
		cfg.Remote.URL = remoteURL
		cfg.Relay.SigningKey = signingKey
		if err := cfg.Validate(); err != nil {
			fatalf("%v", err)
		}
		if err := config.Write(configPath, cfg, force); err != nil {
			fatalf("%v", err)
		}
		fmt.Printf("%s Wrote %s\n", ui.RenderPass("✓"), configPath)
	},
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show the effective configuration",
	Run: func(cmd *cobra.Command, args []string) {
		cfg, err := config.Load(configPath)
		if err != nil {
			fatalf("%v", err)
		}
		redact := func(s string) string {
			if s == "" {
				return ""
			}
			return "********"
		}
		rows := [][]string{
			{"data_dir", cfg.DataDir},
			{"remote.url", redactURL(cfg.Remote.URL)},
			{"remote.max_conns", fmt.Sprint(cfg.Remote.MaxConns)},
			{"relay.addr", cfg.Relay.Addr},
			{"relay.public_url", cfg.Relay.PublicURL},
			{"relay.signing_key", redact(cfg.Relay.SigningKey)},
			{"relay.allowed_origins", strings.Join(cfg.Relay.AllowedOrigins, ",")},
			{"session.principal", cfg.Session.Principal},
			{"session.email", cfg.Session.Email},
			{"sync.interval", cfg.Sync.Interval.String()},
			{"sync.ping_interval", cfg.Sync.PingInterval.String()},
			{"sync.ping_timeout", cfg.Sync.PingTimeout.String()},
			{"log.file", cfg.LogPath()},
		}
		fmt.Print(ui.Table([]string{"KEY", "VALUE"}, rows))
	},
}

// redactURL hides the password of a connection URL.
func redactURL(s string) string {
	at := strings.LastIndex(s, "@")
	scheme := strings.Index(s, "://")
	if at < 0 || scheme < 0 || at < scheme {
		return s
	}
	creds := s[scheme+3 : at]
	if i := strings.Index(creds, ":"); i >= 0 {
		creds = creds[:i] + ":********"
	}
	return s[:scheme+3] + creds + s[at:]
}

var settingsCmd = &cobra.Command{
	Use:     "settings",
	GroupID: "advanced",
	Short:   "View and change application settings",
}

// settingsRows renders settings as sorted key/value rows with API keys masked.
func settingsRows(s settings.AppSettings) [][]string {
	data, err := json.Marshal(s)
	if err != nil {
		fatalf("%v", err)
	}
	var fields map[string]any
	if err := json.Unmarshal(data, &fields); err != nil {
		fatalf("%v", err)
	}
	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	rows := make([][]string, 0, len(keys))
	for _, k := range keys {
		v := fmt.Sprint(fields[k])
		if strings.HasSuffix(k, "ApiKey") && v != "" {
			v = maskKey(v)
		}
		rows = append(rows, []string{k, v})
	}
	return rows
}

func maskKey(k string) string {
	if len(k) <= 8 {
		return "********"
	}
	return k[:4] + "…" + k[len(k)-4:]
}

var settingsShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show settings",
	Run: func(cmd *cobra.Command, args []string) {
		ctx, cancel := signalContext()
		defer cancel()
		svc := openServices(ctx, false)
		defer closeServices(svc)

		s, err := svc.Settings.Load(ctx)
		if err != nil {
			fatalf("%v", err)
		}
		fmt.Print(ui.Table([]string{"SETTING", "VALUE"}, settingsRows(s)))
	},
}

var settingsSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Change a setting",
	Long: `Change a setting. Values true, false and numbers keep their type.

Examples:
  vtsync settings set theme light
  vtsync settings set autoDetectDuration 60
  vtsync settings set skipSilence true`,
	Args: cobra.ExactArgs(2),
	Run: func(cmd *cobra.Command, args []string) {
		ctx, cancel := signalContext()
		defer cancel()
		svc := openServices(ctx, false)
		defer closeServices(svc)

		if _, err := svc.Settings.Update(ctx, map[string]any{args[0]: settings.ParseValue(args[1])}); err != nil {
			fatalf("%v\nValid settings: %s", err, strings.Join(settings.Keys(), ", "))
		}
		fmt.Printf("%s %s updated\n", ui.RenderPass("✓"), args[0])
	},
}

var settingsResetCmd = &cobra.Command{
	Use:   "reset",
	Short: "Restore default settings",
	Run: func(cmd *cobra.Command, args []string) {
		ctx, cancel := signalContext()
		defer cancel()
		svc := openServices(ctx, false)
		defer closeServices(svc)

		if _, err := svc.Settings.Reset(ctx); err != nil {
			fatalf("%v", err)
		}
		fmt.Printf("%s Settings reset\n", ui.RenderPass("✓"))
	},
}

var settingsPushKeysCmd = &cobra.Command{
	Use:   "push-keys",
	Short: "Save API keys to your cloud profile",
	Run: func(cmd *cobra.Command, args []string) {
		ctx, cancel := signalContext()
		defer cancel()
		svc := openServices(ctx, false)
		defer closeServices(svc)
		connect(ctx, svc)

		err := svc.Settings.SaveKeysToCloud(ctx)
		if errors.Is(err, sync.ErrNotEligible) {
			fatalf("saving keys to the cloud needs a signed-in, online session")
		}
		if err != nil {
			fatalf("%v", err)
		}
		fmt.Printf("%s API keys saved to your profile\n", ui.RenderPass("✓"))
	},
}

var settingsPullKeysCmd = &cobra.Command{
	Use:   "pull-keys",
	Short: "Load API keys from your cloud profile",
	Run: func(cmd *cobra.Command, args []string) {
		ctx, cancel := signalContext()
		defer cancel()
		svc := openServices(ctx, false)
		defer closeServices(svc)
		connect(ctx, svc)

		keys, err := svc.Settings.LoadKeysFromCloud(ctx)
		if errors.Is(err, sync.ErrNotEligible) {
			fatalf("loading keys from the cloud needs a signed-in, online session")
		}
		if err != nil {
			fatalf("%v", err)
		}
		if keys == nil {
			fmt.Printf("%s No API keys in your profile\n", ui.RenderWarn("⚠"))
			return
		}
		fmt.Printf("%s API keys loaded from your profile\n", ui.RenderPass("✓"))
	},
}

func init() {
	configInitCmd.Flags().BoolP("force", "f", false, "Overwrite an existing config file")
	configInitCmd.Flags().String("remote", "", "Postgres connection URL")
	configInitCmd.Flags().String("signing-key", "", "Key used to sign storage URLs")

	configCmd.AddCommand(configInitCmd)
	configCmd.AddCommand(configShowCmd)
	rootCmd.AddCommand(configCmd)

	settingsCmd.AddCommand(settingsShowCmd)
	settingsCmd.AddCommand(settingsSetCmd)
	settingsCmd.AddCommand(settingsResetCmd)
	settingsCmd.AddCommand(settingsPushKeysCmd)
	settingsCmd.AddCommand(settingsPullKeysCmd)
	rootCmd.AddCommand(settingsCmd)
}
