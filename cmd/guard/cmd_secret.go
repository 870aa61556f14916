package main

import (
	"bufio"
	"fmt"
	"os"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"storyguard/internal/errs"
	"storyguard/internal/secrets"
	"storyguard/internal/ux"
)

var (
	secretForce bool
	secretValue string
	secretShow  bool
)

// secretCmd groups the vault operations
var secretCmd = &cobra.Command{
	Use:   "secret",
	Short: "Manage the encrypted credential vault",
	Long: `Manages provider credentials in the local vault under .agent/secrets.
Entries are AES-GCM encrypted under a key derived from the master
password; nothing is ever stored in plaintext. Components fall back to
the canonical environment variables when the vault is absent.

The master password is read from ` + masterKeyEnv + ` when set,
otherwise prompted without echo.`,
}

var secretInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Create a new vault",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		master, err := masterPassword(true)
		if err != nil {
			return err
		}
		v, err := secrets.Init(cfg.SecretsDir(), master, secretForce)
		if err != nil {
			return err
		}
		defer v.Close()
		fmt.Println(ux.DefaultStyles().Pass.Render("vault initialized at ") + relToWorkspace(cfg.SecretsDir()))
		return nil
	},
}

var secretSetCmd = &cobra.Command{
	Use:   "set <service> <key>",
	Short: "Store one secret",
	Long: `Stores one (service, key) entry. The value comes from --value, from a
piped stdin line, or from a hidden prompt, in that order. Passing
secrets on the command line leaks them to the process table; prefer
the prompt.`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		v, err := unlockVault()
		if err != nil {
			return err
		}
		defer v.Close()

		value := secretValue
		if value == "" {
			value, err = readSecretValue(fmt.Sprintf("value for %s/%s: ", args[0], args[1]))
			if err != nil {
				return err
			}
		}
		if err := v.Set(args[0], args[1], value); err != nil {
			return err
		}
		fmt.Println(ux.DefaultStyles().Pass.Render("stored ") + args[0] + "/" + args[1])
		return nil
	},
}

var secretGetCmd = &cobra.Command{
	Use:   "get <service> <key>",
	Short: "Print one secret value",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		v, err := unlockVault()
		if err != nil {
			return err
		}
		defer v.Close()
		val, err := v.GetOrEnv(args[0], args[1])
		if err != nil {
			return err
		}
		fmt.Println(val)
		return nil
	},
}

var secretListCmd = &cobra.Command{
	Use:   "list",
	Short: "List stored secrets (masked by default)",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		v, err := unlockVault()
		if err != nil {
			return err
		}
		defer v.Close()
		entries, err := v.List(!secretShow)
		if err != nil {
			return err
		}
		if jsonOut {
			type row struct {
				Service   string `json:"service"`
				Key       string `json:"key"`
				Value     string `json:"value,omitempty"`
				UpdatedAt string `json:"updated_at"`
			}
			rows := make([]row, 0, len(entries))
			for _, e := range entries {
				rows = append(rows, row{e.Service, e.Key, e.Value, e.UpdatedAt.Format("2006-01-02T15:04:05Z07:00")})
			}
			return printJSON(rows)
		}
		st := ux.DefaultStyles()
		if len(entries) == 0 {
			fmt.Println(st.Muted.Render("vault is empty"))
			return nil
		}
		tbl := ux.NewTable("Service", "Key", "Value", "Updated")
		for _, e := range entries {
			val := e.Value
			if val == "" {
				val = "••••••••"
			}
			tbl.Add(e.Service, e.Key, val, e.UpdatedAt.Format("2006-01-02"))
		}
		fmt.Println(tbl.View(st))
		return nil
	},
}

var secretDeleteCmd = &cobra.Command{
	Use:   "delete <service> <key>",
	Short: "Delete one secret",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		v, err := unlockVault()
		if err != nil {
			return err
		}
		defer v.Close()
		if err := v.Delete(args[0], args[1]); err != nil {
			return err
		}
		fmt.Println(ux.DefaultStyles().Pass.Render("deleted ") + args[0] + "/" + args[1])
		return nil
	},
}

var secretImportCmd = &cobra.Command{
	Use:   "import",
	Short: "Import provider credentials from the environment",
	Long: `Stores every canonical provider credential currently present in the
environment (GEMINI_API_KEY, OPENAI_API_KEY, ANTHROPIC_API_KEY,
GITHUB_TOKEN, ...) into the vault.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		v, err := unlockVault()
		if err != nil {
			return err
		}
		defer v.Close()
		imported, err := v.ImportEnv()
		if err != nil {
			return err
		}
		st := ux.DefaultStyles()
		if len(imported) == 0 {
			fmt.Println(st.Muted.Render("no canonical credentials found in the environment"))
			return nil
		}
		fmt.Println(st.Pass.Render(fmt.Sprintf("imported %d credential(s): ", len(imported))) + strings.Join(imported, ", "))
		return nil
	},
}

var secretExportCmd = &cobra.Command{
	Use:   "export",
	Short: "Print secrets as VAR=value lines",
	Long: `Prints every entry decrypted, one VAR=value line per secret using the
canonical environment names. For operator use (eval into a shell);
never commit or log the output.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		v, err := unlockVault()
		if err != nil {
			return err
		}
		defer v.Close()
		out, err := v.Export()
		if err != nil {
			return err
		}
		fmt.Print(out)
		return nil
	},
}

var secretRotateCmd = &cobra.Command{
	Use:   "rotate-key",
	Short: "Re-encrypt the vault under a new master password",
	Long: `Re-encrypts every record under a key derived from a new master
password. The new vault is staged beside the old one and swapped in
atomically; a failure at any point leaves the original untouched.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		old, err := masterPassword(false)
		if err != nil {
			return err
		}
		v, err := secrets.Open(cfg.SecretsDir(), old)
		if err != nil {
			return err
		}
		defer v.Close()

		next, err := promptPassword("new master password: ")
		if err != nil {
			return err
		}
		confirm, err := promptPassword("confirm new master password: ")
		if err != nil {
			return err
		}
		if next != confirm {
			return errs.New(errs.KindConfig, "passwords do not match")
		}
		if err := v.Rotate(old, next); err != nil {
			return err
		}
		fmt.Println(ux.DefaultStyles().Pass.Render("vault rotated"))
		return nil
	},
}

// unlockVault opens the existing vault with the master password.
func unlockVault() (*secrets.Vault, error) {
	if !secrets.Exists(cfg.SecretsDir()) {
		return nil, errs.New(errs.KindConfig, "no vault at %s; run guard secret init", cfg.SecretsDir())
	}
	master, err := masterPassword(false)
	if err != nil {
		return nil, err
	}
	return secrets.Open(cfg.SecretsDir(), master)
}

// masterPassword resolves the master password: environment first, then
// an interactive prompt. confirm doubles the prompt for vault creation.
func masterPassword(confirm bool) (string, error) {
	if master := os.Getenv(masterKeyEnv); master != "" {
		return master, nil
	}
	master, err := promptPassword("master password: ")
	if err != nil {
		return "", err
	}
	if confirm {
		again, err := promptPassword("confirm master password: ")
		if err != nil {
			return "", err
		}
		if master != again {
			return "", errs.New(errs.KindConfig, "passwords do not match")
		}
	}
	return master, nil
}

func promptPassword(prompt string) (string, error) {
	fd := int(syscall.Stdin)
	if !term.IsTerminal(fd) {
		return "", errs.New(errs.KindConfig, "no terminal for password prompt; set %s", masterKeyEnv)
	}
	fmt.Fprint(os.Stderr, prompt)
	raw, err := term.ReadPassword(fd)
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return "", fmt.Errorf("password read failed: %w", err)
	}
	if len(raw) == 0 {
		return "", errs.New(errs.KindConfig, "empty password")
	}
	return string(raw), nil
}

// readSecretValue takes a piped line when stdin is not a terminal,
// otherwise prompts without echo.
func readSecretValue(prompt string) (string, error) {
	if !term.IsTerminal(int(syscall.Stdin)) {
		r := bufio.NewReader(os.Stdin)
		line, err := r.ReadString('\n')
		if err != nil && line == "" {
			return "", fmt.Errorf("failed to read value from stdin: %w", err)
		}
		value := strings.TrimRight(line, "\r\n")
		if value == "" {
			return "", errs.New(errs.KindConfig, "empty secret value")
		}
		return value, nil
	}
	fmt.Fprint(os.Stderr, prompt)
	raw, err := term.ReadPassword(int(syscall.Stdin))
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return "", fmt.Errorf("value read failed: %w", err)
	}
	if len(raw) == 0 {
		return "", errs.New(errs.KindConfig, "empty secret value")
	}
	return string(raw), nil
}

func init() {
	secretInitCmd.Flags().BoolVar(&secretForce, "force", false, "Re-initialize over an existing non-empty vault")
	secretSetCmd.Flags().StringVar(&secretValue, "value", "", "Secret value (prefer the prompt or a pipe)")
	secretListCmd.Flags().BoolVar(&secretShow, "show", false, "Print decrypted values instead of masks")

	secretCmd.AddCommand(secretInitCmd)
	secretCmd.AddCommand(secretSetCmd)
	secretCmd.AddCommand(secretGetCmd)
	secretCmd.AddCommand(secretListCmd)
	secretCmd.AddCommand(secretDeleteCmd)
	secretCmd.AddCommand(secretImportCmd)
	secretCmd.AddCommand(secretExportCmd)
	secretCmd.AddCommand(secretRotateCmd)
	rootCmd.AddCommand(secretCmd)
}
