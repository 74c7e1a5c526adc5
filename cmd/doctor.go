package cmd

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"runtime"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/spf13/cobra"

	"github.com/nextlevelbuilder/gateclaw/internal/admission"
	"github.com/nextlevelbuilder/gateclaw/internal/config"
	"github.com/nextlevelbuilder/gateclaw/internal/upgrade"
)

func doctorCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "doctor",
		Short: "Check configuration and pairing store health",
		Run: func(cmd *cobra.Command, args []string) {
			runDoctor(cmd.Context())
		},
	}
}

func runDoctor(ctx context.Context) {
	fmt.Println("gateclaw doctor")
	fmt.Printf("  Version:  %s\n", Version)
	fmt.Printf("  OS:       %s/%s\n", runtime.GOOS, runtime.GOARCH)
	fmt.Printf("  Go:       %s\n", runtime.Version())
	fmt.Println()

	cfgPath := resolveConfigPath()
	fmt.Printf("  Config:   %s", cfgPath)
	if _, err := os.Stat(cfgPath); err != nil {
		fmt.Println(" (NOT FOUND, using defaults)")
	} else {
		fmt.Println(" (OK)")
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		fmt.Printf("  Config load error: %s\n", err)
		return
	}

	fmt.Println()
	fmt.Println("  Pairing store:")
	if cfg.IsManagedMode() {
		fmt.Printf("    %-12s managed (postgres)\n", "Mode:")
		checkDatabase(ctx, cfg.Database.PostgresDSN)
	} else {
		dir := cfg.PairingDir()
		fmt.Printf("    %-12s standalone (%s)", "Mode:", dir)
		if _, err := os.Stat(dir); err != nil {
			fmt.Println(" (not created yet)")
		} else {
			fmt.Println(" (OK)")
		}
	}
	fmt.Printf("    %-12s max %d pending, ttl %s\n", "Limits:", cfg.Pairing.MaxPending, cfg.Pairing.PairingTTL())
	if a := cfg.Pairing.Admin; a != nil {
		fmt.Printf("    %-12s %s:%s\n", "Admin chat:", a.Channel, a.ChatID)
	}

	fmt.Println()
	fmt.Println("  Channels:")
	c := cfg.Channels
	checkChannel("telegram", c.Telegram.Enabled, c.Telegram.Token != "", c.Telegram.AdmissionConfig)
	checkChannel("telegram-mtproto", c.TelegramMTProto.Enabled, c.TelegramMTProto.BridgeURL != "", c.TelegramMTProto.AdmissionConfig)
	checkChannel("discord", c.Discord.Enabled, c.Discord.Token != "", c.Discord.AdmissionConfig)
	checkChannel("slack", c.Slack.Enabled, c.Slack.BotToken != "" && c.Slack.AppToken != "", c.Slack.AdmissionConfig)
	checkChannel("whatsapp", c.WhatsApp.Enabled, c.WhatsApp.BridgeURL != "", c.WhatsApp.AdmissionConfig)
	checkChannel("signal", c.Signal.Enabled, c.Signal.BridgeURL != "", c.Signal.AdmissionConfig)

	fmt.Println()
	fmt.Println("Doctor check complete.")
}

func checkDatabase(ctx context.Context, dsn string) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	db, err := sql.Open("pgx", dsn)
	if err != nil {
		fmt.Printf("    %-12s CONNECT FAILED (%s)\n", "Status:", err)
		return
	}
	defer db.Close()

	s, err := upgrade.CheckSchema(ctx, db)
	switch {
	case err != nil:
		fmt.Printf("    %-12s CONNECT FAILED (%s)\n", "Status:", err)
	case s.Dirty:
		fmt.Printf("    %-12s v%d (DIRTY, see: gateclaw migrate force)\n", "Schema:", s.CurrentVersion)
	case s.Compatible:
		fmt.Printf("    %-12s v%d (up to date)\n", "Schema:", s.CurrentVersion)
	case s.CurrentVersion > s.RequiredVersion:
		fmt.Printf("    %-12s v%d (binary too old, requires v%d)\n", "Schema:", s.CurrentVersion, s.RequiredVersion)
	default:
		fmt.Printf("    %-12s v%d (run: gateclaw migrate up)\n", "Schema:", s.CurrentVersion)
	}
}

// checkChannel prints status plus any admission settings that would be
// rejected at startup.
func checkChannel(name string, enabled, hasCredentials bool, ac config.AdmissionConfig) {
	status := "disabled"
	if enabled && hasCredentials {
		status = "enabled"
	} else if enabled {
		status = "enabled (missing credentials)"
	}
	fmt.Printf("    %-18s %s\n", name+":", status)
	if !enabled {
		return
	}
	fmt.Printf("      dm_policy=%s group_mode=%s debounce=%s groups=%d\n",
		ac.EffectiveDMPolicy(), ac.FallbackGroupMode(), ac.GroupDebounce(), len(ac.Groups))
	if _, err := admission.ParseDMPolicy(ac.DMPolicy); err != nil {
		fmt.Printf("      WARNING: %s\n", err)
	}
	if _, err := admission.ParseGroupMode(ac.FallbackGroupMode()); err != nil {
		fmt.Printf("      WARNING: %s\n", err)
	}
	for key, g := range ac.Groups {
		if g.Mode == "" {
			continue
		}
		if _, err := admission.ParseGroupMode(g.Mode); err != nil {
			fmt.Printf("      WARNING: group %s: %s\n", key, err)
		}
	}
	if n := admission.CompilePatterns(name, ac.MentionPatterns).Len(); n != len(ac.MentionPatterns) {
		fmt.Printf("      WARNING: %d of %d mention_patterns are invalid\n", len(ac.MentionPatterns)-n, len(ac.MentionPatterns))
	}
}
