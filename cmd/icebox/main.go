package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"icebox-go/internal/app"
	"icebox-go/internal/backend"
	"icebox-go/internal/config"
	"icebox-go/internal/icebox"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// baseDir resolves the registry directory: --config flag first, then
// ICEBOX_HOME, then ~/.config/icebox. The directory is created if missing.
func baseDir(cmd *cobra.Command) (string, error) {
	if dir, _ := cmd.Flags().GetString("config"); dir != "" {
		if err := os.MkdirAll(dir, 0700); err != nil {
			return "", fmt.Errorf("creating base directory: %w", err)
		}
		return dir, nil
	}
	return app.EnsureBaseDir()
}

// openApp opens a box for the named operation. The caller must defer Close.
func openApp(cmd *cobra.Command, boxName, operation string) (*app.App, error) {
	dir, err := baseDir(cmd)
	if err != nil {
		return nil, err
	}
	return app.Open(dir, boxName, operation)
}

// parseOptions turns repeated "key=value" flags into backend options.
func parseOptions(raw []string) (icebox.Options, error) {
	opts := make(icebox.Options, len(raw))
	for _, kv := range raw {
		key, value, ok := strings.Cut(kv, "=")
		if !ok || key == "" {
			return nil, fmt.Errorf("invalid option %q, expected key=value", kv)
		}
		opts[key] = value
	}
	return opts, nil
}

// humanSize formats a byte count with binary prefixes.
func humanSize(n int64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%d B", n)
	}
	div, exp := int64(unit), 0
	for m := n / unit; m >= unit; m /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %ciB", float64(n)/float64(div), "KMGTPE"[exp])
}

func timestamp(format string, args ...any) {
	fmt.Printf("%s %s\n", time.Now().Format("2006-01-02T15:04:05"), fmt.Sprintf(format, args...))
}

var rootCmd = &cobra.Command{
	Use:   "icebox",
	Short: "Encrypting cold storage client",
}

// init command group

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Create a new box",
}

func initBox(cmd *cobra.Command, cfg *config.BoxConfig) error {
	dir, err := baseDir(cmd)
	if err != nil {
		return err
	}

	fmt.Println("Initializing box.")
	if err := app.InitBox(dir, cfg); err != nil {
		return fmt.Errorf("initialization failed: %w", err)
	}

	fmt.Printf("- Your encryption key is in %s\n", config.BoxDir(dir, cfg.Name))
	fmt.Println("- Make sure to protect and back up this directory!")
	fmt.Println("Box initialized.")
	return nil
}

var initFolderCmd = &cobra.Command{
	Use:   "folder BOX PATH",
	Short: "Create a folder-backed box",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		path, err := filepath.Abs(args[1])
		if err != nil {
			return fmt.Errorf("resolving folder path: %w", err)
		}
		return initBox(cmd, &config.BoxConfig{
			Name:    args[0],
			Backend: config.BackendFolder,
			Folder:  config.FolderConfig{Path: path},
		})
	},
}

var initS3Cmd = &cobra.Command{
	Use:   "s3 BOX BUCKET",
	Short: "Create an Amazon S3-backed box",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		class, _ := cmd.Flags().GetString("class")
		profile, _ := cmd.Flags().GetString("profile")
		region, _ := cmd.Flags().GetString("region")
		prefix, _ := cmd.Flags().GetString("prefix")

		return initBox(cmd, &config.BoxConfig{
			Name:    args[0],
			Backend: config.BackendS3,
			S3: config.S3Config{
				Bucket:       args[1],
				Prefix:       prefix,
				Region:       region,
				Profile:      profile,
				StorageClass: class,
				Tier:         backend.DefaultRestoreTier,
			},
		})
	},
}

var initWebDAVCmd = &cobra.Command{
	Use:   "webdav BOX URL",
	Short: "Create a WebDAV-backed box",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		username, _ := cmd.Flags().GetString("username")
		if username == "" {
			return fmt.Errorf("a WebDAV username is required (--username)")
		}

		fmt.Print("WebDAV password: ")
		password, err := term.ReadPassword(int(os.Stdin.Fd()))
		fmt.Println()
		if err != nil {
			return fmt.Errorf("reading password: %w", err)
		}

		return initBox(cmd, &config.BoxConfig{
			Name:    args[0],
			Backend: config.BackendWebDAV,
			WebDAV: config.WebDAVConfig{
				URL:      args[1],
				Username: username,
				Password: string(password),
			},
		})
	},
}

// put command

var putCmd = &cobra.Command{
	Use:   "put BOX SOURCE",
	Short: "Store data in a box",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		comment, _ := cmd.Flags().GetString("comment")

		srcPath, err := filepath.Abs(args[1])
		if err != nil {
			return fmt.Errorf("resolving source path: %w", err)
		}
		if _, err := os.Stat(srcPath); err != nil {
			return fmt.Errorf("source not accessible: %w", err)
		}

		a, err := openApp(cmd, args[0], "put")
		if err != nil {
			return err
		}
		defer a.Close()

		name := filepath.Base(srcPath)
		timestamp("Storing %q in box.", name)
		src, err := a.Service.Put(srcPath, comment)
		if err != nil {
			return err
		}
		timestamp("Stored %q in box (%s encrypted).", src.Name, humanSize(src.EncryptedSize))
		return nil
	},
}

// get command

var getCmd = &cobra.Command{
	Use:   "get BOX SOURCE",
	Short: "Retrieve data from a box",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		dest, _ := cmd.Flags().GetString("destination")
		rawOpts, _ := cmd.Flags().GetStringArray("option")
		wait, _ := cmd.Flags().GetBool("wait")
		interval, _ := cmd.Flags().GetDuration("interval")

		opts, err := parseOptions(rawOpts)
		if err != nil {
			return err
		}
		destDir, err := filepath.Abs(dest)
		if err != nil {
			return fmt.Errorf("resolving destination: %w", err)
		}

		a, err := openApp(cmd, args[0], "get")
		if err != nil {
			return err
		}
		defer a.Close()

		name := args[1]
		timestamp("Retrieving %q from box.", name)
		for {
			result, err := a.Service.Get(name, destDir, opts)
			if err != nil {
				return err
			}

			switch result.Status {
			case icebox.GetComplete:
				timestamp("Retrieved %q to %s.", name, result.Path)
				return nil
			case icebox.GetRequested:
				timestamp("Retrieval started; data is not yet available.")
			case icebox.GetPending:
				timestamp("Retrieval pending.")
			}

			if !wait {
				timestamp("Re-run later, or use --wait to keep polling.")
				return nil
			}
			time.Sleep(interval)
		}
	},
}

// delete command

var deleteCmd = &cobra.Command{
	Use:   "delete BOX SOURCE",
	Short: "Delete data from a box",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openApp(cmd, args[0], "delete")
		if err != nil {
			return err
		}
		defer a.Close()

		if err := a.Service.Delete(args[1]); err != nil {
			return err
		}
		fmt.Printf("Deleted %q from box.\n", args[1])
		return nil
	},
}

// list command

var listCmd = &cobra.Command{
	Use:   "list BOX",
	Short: "List the data in a box",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openApp(cmd, args[0], "list")
		if err != nil {
			return err
		}
		defer a.Close()

		sources, err := a.Service.List()
		if err != nil {
			return err
		}

		var total int64
		for _, src := range sources {
			total += src.Size
			if src.Comment != "" {
				fmt.Printf("%s | %s | %s\n", src.Name, humanSize(src.Size), src.Comment)
			} else {
				fmt.Printf("%s | %s\n", src.Name, humanSize(src.Size))
			}
		}
		fmt.Printf("Total size: %s\n", humanSize(total))
		return nil
	},
}

// refresh command

var refreshCmd = &cobra.Command{
	Use:   "refresh BOX",
	Short: "Refresh local information from the backend",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		rawOpts, _ := cmd.Flags().GetStringArray("option")
		wait, _ := cmd.Flags().GetBool("wait")
		interval, _ := cmd.Flags().GetDuration("interval")

		opts, err := parseOptions(rawOpts)
		if err != nil {
			return err
		}

		a, err := openApp(cmd, args[0], "refresh")
		if err != nil {
			return err
		}
		defer a.Close()

		timestamp("Refreshing box.")
		for {
			result, err := a.Service.Refresh(opts)
			if err != nil {
				return err
			}

			if result.Status != icebox.RefreshComplete {
				timestamp("Inventory retrieval pending.")
				if !wait {
					timestamp("Re-run later, or use --wait to keep polling.")
					return nil
				}
				time.Sleep(interval)
				continue
			}

			for _, name := range result.Added {
				fmt.Printf("- Added %s\n", name)
			}
			if len(result.Orphaned) > 0 {
				fmt.Println("- Sources with missing backend files:")
				for _, name := range result.Orphaned {
					fmt.Printf("  %s\n", name)
				}
			}
			if len(result.Skipped) > 0 {
				fmt.Println("- Backend files that could not be imported:")
				for _, key := range result.Skipped {
					fmt.Printf("  %s\n", key)
				}
			}
			timestamp("Refreshed box.")
			return nil
		}
	},
}

// boxes command

var boxesCmd = &cobra.Command{
	Use:   "boxes",
	Short: "List known boxes",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		dir, err := baseDir(cmd)
		if err != nil {
			return err
		}

		names, err := config.ListBoxes(dir)
		if err != nil {
			return err
		}
		for _, name := range names {
			fmt.Println(name)
		}
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().StringP("config", "c", "", "Base configuration directory")

	initCmd.AddCommand(initFolderCmd)
	initCmd.AddCommand(initS3Cmd)
	initCmd.AddCommand(initWebDAVCmd)
	initS3Cmd.Flags().String("class", backend.DefaultArchiveClass, "Storage class (GLACIER or DEEP_ARCHIVE)")
	initS3Cmd.Flags().StringP("profile", "p", "default", "AWS profile")
	initS3Cmd.Flags().String("region", "", "AWS region")
	initS3Cmd.Flags().String("prefix", "", "Key prefix inside the bucket")
	initWebDAVCmd.Flags().StringP("username", "u", "", "WebDAV username")

	putCmd.Flags().String("comment", "", "Source comment")

	getCmd.Flags().StringP("destination", "d", ".", "Destination directory")
	getCmd.Flags().StringArrayP("option", "o", nil, "A key=value option for the backend operation")
	getCmd.Flags().Bool("wait", false, "Poll until the retrieval completes")
	getCmd.Flags().Duration("interval", time.Minute, "Poll interval with --wait")

	refreshCmd.Flags().StringArrayP("option", "o", nil, "A key=value option for the backend operation")
	refreshCmd.Flags().Bool("wait", false, "Poll until the inventory completes")
	refreshCmd.Flags().Duration("interval", time.Minute, "Poll interval with --wait")

	rootCmd.AddCommand(initCmd)
	rootCmd.AddCommand(putCmd)
	rootCmd.AddCommand(getCmd)
	rootCmd.AddCommand(deleteCmd)
	rootCmd.AddCommand(listCmd)
	rootCmd.AddCommand(refreshCmd)
	rootCmd.AddCommand(boxesCmd)
}
