package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"rv-go/internal/app"
	"rv-go/internal/config"
	"rv-go/internal/reconcile"
	"rv-go/internal/rv"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

func readConfig() (*config.Config, error) {
	defaults, err := app.GetDefaults()
	if err != nil {
		return nil, fmt.Errorf("getting defaults: %w", err)
	}
	cfg, err := config.ReadFromFile(defaults.ConfigPath)
	if err != nil {
		return nil, fmt.Errorf("reading config: %w", err)
	}
	return cfg, nil
}

// newApp reads the config and creates an RVApp. The caller must defer a.Close().
// operation identifies the CLI command being run (e.g. "Verify", "Put").
func newApp(cmd *cobra.Command, operation string, args []string) (*app.RVApp, error) {
	cfg, err := readConfig()
	if err != nil {
		return nil, err
	}
	if dryrun, _ := cmd.Flags().GetBool("dryrun"); dryrun {
		cfg.Dryrun = true
	}

	a, err := app.NewRVApp(cmd.Context(), cfg, operation, strings.Join(args, " "))
	if err != nil {
		return nil, fmt.Errorf("initializing app: %w", err)
	}
	return a, nil
}

// readPassphrase prompts on the terminal without echo.
func readPassphrase(prompt string) (string, error) {
	fd := int(os.Stdin.Fd())
	if !term.IsTerminal(fd) {
		return "", fmt.Errorf("a terminal is required to read the passphrase")
	}
	fmt.Fprint(os.Stderr, prompt)
	pw, err := term.ReadPassword(fd)
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return "", err
	}
	return string(pw), nil
}

var rootCmd = &cobra.Command{
	Use:           "rv",
	Short:         "Remote volume store for deduplicated backups",
	SilenceUsage:  true,
	SilenceErrors: false,
}

// config command
var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage configuration",
}

var configInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Initialize configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		defaults, err := app.GetDefaults()
		if err != nil {
			return fmt.Errorf("failed to get defaults: %w", err)
		}

		prefix, _ := cmd.Flags().GetString("prefix")
		cfg := defaults.NewConfig(prefix)
		if err := cfg.Validate(); err != nil {
			return err
		}

		if err := config.Init(defaults.ConfigPath, cfg); err != nil {
			return fmt.Errorf("failed to initialize config: %w", err)
		}

		fmt.Printf("Configuration initialized at %s\n", defaults.ConfigPath)
		fmt.Printf("Prefix:   %s\n", cfg.Prefix)
		fmt.Printf("Base Dir: %s\n", defaults.BaseDir)
		fmt.Printf("Database: %s\n", defaults.DBPath(cfg.Prefix))
		fmt.Printf("Vault:    %s\n", defaults.VaultDir())
		return nil
	},
}

var configListCmd = &cobra.Command{
	Use:   "list",
	Short: "View configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		defaults, err := app.GetDefaults()
		if err != nil {
			return fmt.Errorf("failed to get defaults: %w", err)
		}
		cfg, err := config.ReadFromFile(defaults.ConfigPath)
		if err != nil {
			return fmt.Errorf("failed to read config: %w", err)
		}

		fmt.Printf("Configuration from %s:\n\n", defaults.ConfigPath)
		fmt.Printf("Prefix:     %s\n", cfg.Prefix)
		fmt.Printf("Base Dir:   %s\n", cfg.BaseDir)
		fmt.Printf("Log Dir:    %s\n", cfg.LogDir)
		fmt.Printf("Database:   %s %s\n", cfg.Database.Type, cfg.Database.DataDir)
		fmt.Printf("Encryption: %s\n", cfg.Encryption.Type)
		for _, v := range cfg.Vaults {
			fmt.Printf("Vault:      %s (%s)\n", v.Name, v.Type)
		}
		return nil
	},
}

// keys command
var keysCmd = &cobra.Command{
	Use:   "keys",
	Short: "Manage encryption keys",
}

var keysInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Generate the encryption key pair",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := readConfig()
		if err != nil {
			return err
		}
		pw, err := readPassphrase("Passphrase: ")
		if err != nil {
			return err
		}
		confirm, err := readPassphrase("Repeat passphrase: ")
		if err != nil {
			return err
		}
		if pw != confirm {
			return fmt.Errorf("passphrases do not match")
		}
		if err := app.InitKeys(cfg, pw); err != nil {
			return fmt.Errorf("initializing keys: %w", err)
		}
		fmt.Printf("Keys written to %s and %s\n", cfg.Encryption.PublicKeyPath, cfg.Encryption.PrivateKeyPath)
		return nil
	},
}

// list command
var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List remote files",
	RunE: func(cmd *cobra.Command, args []string) error {
		local, _ := cmd.Flags().GetBool("local")

		a, err := newApp(cmd, "List", args)
		if err != nil {
			return err
		}
		defer a.Close()

		if local {
			vols, err := a.Volumes()
			if err != nil {
				return err
			}
			for _, v := range vols {
				fmt.Printf("%-10s  %-6s  %10s  %s\n", v.State, v.Type, formatSize(v.Size), v.Name)
			}
			return nil
		}

		files, err := a.List(cmd.Context())
		if err != nil {
			return err
		}
		if len(files) == 0 {
			fmt.Println("No remote files.")
			return nil
		}
		for _, f := range files {
			if f.IsFolder {
				continue
			}
			fmt.Printf("%10s  %s  %s\n", formatSize(f.Size), f.LastModified.Format("2006-01-02 15:04:05"), f.Name)
		}
		return nil
	},
}

func formatSize(n int64) string {
	if n < 0 {
		return "?"
	}
	return humanize.Bytes(uint64(n))
}

func printResult(res *reconcile.AnalysisResult, stats rv.StatsSnapshot) {
	if res == nil {
		return
	}
	fmt.Printf("Volumes:   %d (%s)\n", stats.KnownFileCount, humanize.Bytes(uint64(stats.KnownFileSize)))
	fmt.Printf("Filesets:  %d\n", stats.KnownFilesets)
	if !stats.LastBackupDate.IsZero() {
		fmt.Printf("Last:      %s\n", stats.LastBackupDate.Format(time.RFC3339))
	}
	if stats.UnknownFileCount > 0 {
		fmt.Printf("Unknown:   %d (%s)\n", stats.UnknownFileCount, humanize.Bytes(uint64(stats.UnknownFileSize)))
	}
	if len(res.Other) > 0 {
		fmt.Printf("Other:     %d volumes with prefixes %s\n", len(res.Other), strings.Join(res.BackupPrefixes(), ", "))
	}
	for _, m := range res.Missing {
		fmt.Printf("missing    %s\n", m.Name)
	}
	for _, e := range res.Extra {
		fmt.Printf("extra      %s\n", e.File.Name)
	}
	for _, h := range res.VerificationRequired {
		fmt.Printf("size       %s (remote %s, expected %s)\n", h.Entry.Name, formatSize(h.RemoteSize), formatSize(h.Entry.Size))
	}
}

// verify command
var verifyCmd = &cobra.Command{
	Use:   "verify",
	Short: "Compare the remote store with the local database",
	RunE: func(cmd *cobra.Command, args []string) error {
		modeFlag, _ := cmd.Flags().GetString("mode")
		mode, err := rv.ParseVerifyMode(modeFlag)
		if err != nil {
			return err
		}

		a, err := newApp(cmd, "Verify", args)
		if err != nil {
			return err
		}
		defer a.Close()

		res, err := a.Verify(cmd.Context(), mode)
		printResult(res, a.Stats())
		if err != nil {
			if tag := rv.ErrorTag(err); tag != "" {
				return fmt.Errorf("%s: %w", tag, err)
			}
			return err
		}
		fmt.Println("Remote store is consistent.")
		return nil
	},
}

// repair command
var repairCmd = &cobra.Command{
	Use:   "repair",
	Short: "Clean up local bookkeeping drift",
	RunE: func(cmd *cobra.Command, args []string) error {
		local, _ := cmd.Flags().GetBool("local")

		a, err := newApp(cmd, "Repair", args)
		if err != nil {
			return err
		}
		defer a.Close()

		res, err := a.Repair(cmd.Context(), local)
		printResult(res, a.Stats())
		if err != nil {
			return err
		}
		fmt.Println("Repair complete.")
		return nil
	},
}

// put command
var putCmd = &cobra.Command{
	Use:   "put FILE",
	Short: "Upload a file as a new volume",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		typeFlag, _ := cmd.Flags().GetString("type")
		volType, err := app.ParseVolumeType(typeFlag)
		if err != nil {
			return err
		}
		path, err := filepath.Abs(args[0])
		if err != nil {
			return fmt.Errorf("resolving path: %w", err)
		}

		a, err := newApp(cmd, "Put", []string{path})
		if err != nil {
			return err
		}
		defer a.Close()

		if err := applyThrottleFlags(cmd, a); err != nil {
			return err
		}
		name, err := a.Put(cmd.Context(), path, volType)
		if err != nil {
			return fmt.Errorf("upload failed: %w", err)
		}
		fmt.Println(name)
		return nil
	},
}

// get command
var getCmd = &cobra.Command{
	Use:   "get NAME [DEST]",
	Short: "Download a volume",
	Args:  cobra.RangeArgs(1, 2),
	RunE: func(cmd *cobra.Command, args []string) error {
		dest := filepath.Base(args[0])
		if len(args) > 1 {
			dest = args[1]
		}

		a, err := newApp(cmd, "Get", args)
		if err != nil {
			return err
		}
		defer a.Close()

		if err := applyThrottleFlags(cmd, a); err != nil {
			return err
		}
		err = a.Get(cmd.Context(), args[0], dest, func() (string, error) {
			return readPassphrase("Passphrase: ")
		})
		if err != nil {
			return fmt.Errorf("download failed: %w", err)
		}
		fmt.Printf("Downloaded %s to %s\n", args[0], dest)
		return nil
	},
}

func applyThrottleFlags(cmd *cobra.Command, a *app.RVApp) error {
	up, _ := cmd.Flags().GetString("max-upload")
	down, _ := cmd.Flags().GetString("max-download")
	if up == "" && down == "" {
		return nil
	}
	return a.UpdateThrottle(up, down)
}

// delete command
var deleteCmd = &cobra.Command{
	Use:   "delete NAME",
	Short: "Delete a remote file",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd, "Delete", args)
		if err != nil {
			return err
		}
		defer a.Close()

		if err := a.Delete(cmd.Context(), args[0]); err != nil {
			return err
		}
		fmt.Printf("Deleted %s\n", args[0])
		return nil
	},
}

// quota command
var quotaCmd = &cobra.Command{
	Use:   "quota",
	Short: "Show remote quota",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd, "Quota", args)
		if err != nil {
			return err
		}
		defer a.Close()

		q, err := a.Quota(cmd.Context())
		if err != nil {
			return err
		}
		if q == nil {
			fmt.Println("The backend does not report quota.")
			return nil
		}
		fmt.Printf("Total: %s\n", formatSize(q.TotalSpace))
		fmt.Printf("Free:  %s\n", formatSize(q.FreeSpace))
		return nil
	},
}

// verification-file command
var verificationFileCmd = &cobra.Command{
	Use:   "verification-file",
	Short: "Upload the verification manifest",
	RunE: func(cmd *cobra.Command, args []string) error {
		output, _ := cmd.Flags().GetString("output")

		a, err := newApp(cmd, "VerificationFile", args)
		if err != nil {
			return err
		}
		defer a.Close()

		if output != "" {
			f, err := os.Create(output)
			if err != nil {
				return err
			}
			if err := a.WriteVerificationFile(f); err != nil {
				f.Close()
				return err
			}
			return f.Close()
		}

		name, err := a.UploadVerificationFile(cmd.Context())
		if err != nil {
			return err
		}
		fmt.Printf("Uploaded %s\n", name)
		return nil
	},
}

// history command
var historyCmd = &cobra.Command{
	Use:   "history [OPERATION-ID]",
	Short: "View operation history",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		limit, _ := cmd.Flags().GetInt("limit")

		a, err := newApp(cmd, "History", nil)
		if err != nil {
			return err
		}
		defer a.Close()

		if len(args) == 1 {
			ops, err := a.RemoteOperations(args[0])
			if err != nil {
				return err
			}
			for _, op := range ops {
				fmt.Printf("%s  %-12s  %s  %s\n", op.Timestamp.Format("2006-01-02 15:04:05"), op.Operation, op.Path, op.Data)
			}
			return nil
		}

		ops, err := a.History(limit)
		if err != nil {
			return err
		}
		if len(ops) == 0 {
			fmt.Println("No operations recorded.")
			return nil
		}
		for _, op := range ops {
			duration := ""
			if op.FinishedAt != nil {
				duration = op.FinishedAt.Sub(op.StartedAt).Truncate(time.Millisecond).String()
			}
			fmt.Printf("%s  %-16s  %s  %-8s  %s\n",
				op.ID,
				op.Operation,
				op.StartedAt.Format("2006-01-02 15:04:05"),
				op.Status,
				duration,
			)
		}
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().Bool("dryrun", false, "Log remote deletions and uploads instead of running them")

	// config subcommands
	configCmd.AddCommand(configInitCmd)
	configInitCmd.Flags().String("prefix", "rv", "Prefix of remote volume names")
	configCmd.AddCommand(configListCmd)

	// keys subcommands
	keysCmd.AddCommand(keysInitCmd)

	// root commands
	rootCmd.AddCommand(configCmd)
	rootCmd.AddCommand(keysCmd)
	rootCmd.AddCommand(listCmd)
	listCmd.Flags().Bool("local", false, "List the local records instead of the remote store")
	rootCmd.AddCommand(verifyCmd)
	verifyCmd.Flags().StringP("mode", "m", "only", "Verify mode: only, strict, clean or forced")
	rootCmd.AddCommand(repairCmd)
	repairCmd.Flags().Bool("local", false, "Also delete remote copies of incomplete volumes")
	rootCmd.AddCommand(putCmd)
	putCmd.Flags().StringP("type", "t", "blocks", "Volume type: blocks, index or files")
	putCmd.Flags().String("max-upload", "", "Upload limit per second, e.g. \"1 MB\"")
	putCmd.Flags().String("max-download", "", "Download limit per second")
	rootCmd.AddCommand(getCmd)
	getCmd.Flags().String("max-upload", "", "Upload limit per second")
	getCmd.Flags().String("max-download", "", "Download limit per second, e.g. \"1 MB\"")
	rootCmd.AddCommand(deleteCmd)
	rootCmd.AddCommand(quotaCmd)
	rootCmd.AddCommand(verificationFileCmd)
	verificationFileCmd.Flags().StringP("output", "o", "", "Write the manifest to a local file instead of uploading it")
	rootCmd.AddCommand(historyCmd)
	historyCmd.Flags().IntP("limit", "n", 50, "Maximum number of operations to show")
}
