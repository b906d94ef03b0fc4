package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/oriys/vega/internal/logging"
	"github.com/oriys/vega/internal/manifest"
	"github.com/oriys/vega/internal/skills"
)

func skillCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "skill",
		Short: "Manage the skill lifecycle",
	}
	cmd.AddCommand(
		skillSubmitCmd(),
		skillListCmd(),
		skillGetCmd(),
		skillTestCmd(),
		skillRequestPromotionCmd(),
		skillPromoteCmd(),
		skillRejectCmd(),
		skillDeprecateCmd(),
		skillRunCmd(),
	)
	return cmd
}

// skillKernel builds a kernel for skill subcommands. The vector store
// is not needed for lifecycle moves.
func skillKernel(ctx context.Context) (*kernel, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	logging.InitStructured(cfg.Daemon.LogFormat, "warn")
	return buildKernel(ctx, cfg, false)
}

func skillSubmitCmd() *cobra.Command {
	var (
		manifestPath string
		codePath     string
		language     string
		skillID      string
		origin       string
	)

	cmd := &cobra.Command{
		Use:   "submit",
		Short: "Submit skill code into quarantine",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := context.Background()
			k, err := skillKernel(ctx)
			if err != nil {
				return err
			}
			defer k.Close()

			if manifestPath != "" {
				spec, err := manifest.ParseFile(manifestPath)
				if err != nil {
					return err
				}
				for _, s := range spec.Skills {
					code, err := s.ReadCode()
					if err != nil {
						return err
					}
					meta, err := k.quarantine.Submit(s.ID, code, s.Language, s.SourceType(), s.Source.Origin)
					if err != nil {
						return fmt.Errorf("submit %s: %w", s.ID, err)
					}
					fmt.Printf("submitted %s (%s, %d bytes, sha256 %s)\n",
						meta.SkillID, meta.Code.Language, meta.Code.SizeBytes, meta.Code.Hash[:12])
				}
				return nil
			}

			if codePath == "" {
				return fmt.Errorf("one of --file or --code is required")
			}
			if language == "" {
				language = languageForExt(filepath.Ext(codePath))
			}
			if skillID == "" {
				skillID = uuid.New().String()
			}
			code, err := os.ReadFile(codePath)
			if err != nil {
				return err
			}
			meta, err := k.quarantine.Submit(skillID, code, language, manifest.DefaultSourceType, origin)
			if err != nil {
				return err
			}
			fmt.Printf("submitted %s (%s, %d bytes, sha256 %s)\n",
				meta.SkillID, meta.Code.Language, meta.Code.SizeBytes, meta.Code.Hash[:12])
			return nil
		},
	}

	cmd.Flags().StringVarP(&manifestPath, "file", "f", "", "YAML skill manifest")
	cmd.Flags().StringVar(&codePath, "code", "", "Skill code file")
	cmd.Flags().StringVar(&language, "language", "", "Skill language (python, javascript, typescript)")
	cmd.Flags().StringVar(&skillID, "id", "", "Skill id (generated when omitted)")
	cmd.Flags().StringVar(&origin, "origin", "", "Submission origin")

	return cmd
}

func languageForExt(ext string) string {
	switch strings.ToLower(ext) {
	case ".py":
		return skills.LangPython
	case ".js", ".mjs":
		return skills.LangJavaScript
	case ".ts":
		return skills.LangTypeScript
	default:
		return ""
	}
}

func skillListCmd() *cobra.Command {
	var stage string

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List skills",
		RunE: func(cmd *cobra.Command, args []string) error {
			k, err := skillKernel(context.Background())
			if err != nil {
				return err
			}
			defer k.Close()

			stages := []string{skills.DirQuarantine, skills.DirActive, skills.DirDeprecated}
			if stage != "" {
				stages = []string{stage}
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tSTATE\tLANG\tTESTS\tSTRIKES\tUPDATED")
			for _, st := range stages {
				metas, err := k.registry.List(st)
				if err != nil {
					return err
				}
				for _, m := range metas {
					fmt.Fprintf(w, "%s\t%s\t%s\t%d/%d\t%d\t%s\n",
						m.SkillID, m.QuarantineState, m.Code.Language,
						m.PassedCount(), len(m.ExecutionTests), m.StrikeCount,
						time.Unix(m.UpdatedAt, 0).UTC().Format(time.RFC3339))
				}
			}
			return w.Flush()
		},
	}

	cmd.Flags().StringVar(&stage, "stage", "", "Restrict to one stage (quarantine, active, deprecated)")
	return cmd
}

func skillGetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "get <skill-id>",
		Short: "Show a skill's metadata",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			k, err := skillKernel(context.Background())
			if err != nil {
				return err
			}
			defer k.Close()

			meta, err := k.registry.Load(args[0])
			if err != nil {
				return err
			}
			printJSON(meta)
			return nil
		},
	}
}

func skillTestCmd() *cobra.Command {
	var runs int

	cmd := &cobra.Command{
		Use:   "test <skill-id>",
		Short: "Run sandboxed test executions",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := context.Background()
			k, err := skillKernel(ctx)
			if err != nil {
				return err
			}
			defer k.Close()

			for i := 0; i < runs; i++ {
				out, err := k.quarantine.RunTest(ctx, args[0])
				if err != nil {
					return err
				}
				status := "FAIL"
				if out.Passed {
					status = "PASS"
				}
				fmt.Printf("%s exit=%d duration=%dms passes=%d\n", status, out.ExitCode, out.DurationMs, out.PassedCount)
				if out.Stderr != "" {
					fmt.Fprintln(os.Stderr, out.Stderr)
				}
				if out.ReadyForPromotion {
					fmt.Println("skill is awaiting promotion; run: vega skill request-promotion", args[0])
					break
				}
			}
			return nil
		},
	}

	cmd.Flags().IntVar(&runs, "runs", 1, "Number of test executions")
	return cmd
}

func skillRequestPromotionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "request-promotion <skill-id>",
		Short: "Issue a confirmation code for promotion",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			k, err := skillKernel(context.Background())
			if err != nil {
				return err
			}
			defer k.Close()

			code, ttl, err := k.quarantine.RequestPromotion(args[0])
			if err != nil {
				return err
			}
			fmt.Printf("confirmation code: %s (valid %s)\n", code, ttl)
			return nil
		},
	}
}

func skillPromoteCmd() *cobra.Command {
	var by string

	cmd := &cobra.Command{
		Use:   "promote <skill-id> <code>",
		Short: "Promote a skill with its confirmation code",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			k, err := skillKernel(context.Background())
			if err != nil {
				return err
			}
			defer k.Close()

			meta, err := k.quarantine.Promote(args[0], args[1], by)
			if err != nil {
				return err
			}
			fmt.Printf("promoted %s\n", meta.SkillID)
			return nil
		},
	}

	cmd.Flags().StringVar(&by, "by", "operator", "Who confirmed the promotion")
	return cmd
}

func skillRejectCmd() *cobra.Command {
	var reason string

	cmd := &cobra.Command{
		Use:   "reject <skill-id>",
		Short: "Reject a skill awaiting promotion",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			k, err := skillKernel(context.Background())
			if err != nil {
				return err
			}
			defer k.Close()

			meta, err := k.quarantine.Reject(args[0], reason)
			if err != nil {
				return err
			}
			fmt.Printf("rejected %s\n", meta.SkillID)
			return nil
		},
	}

	cmd.Flags().StringVar(&reason, "reason", "", "Rejection reason")
	return cmd
}

func skillDeprecateCmd() *cobra.Command {
	var reason string

	cmd := &cobra.Command{
		Use:   "deprecate <skill-id>",
		Short: "Deprecate a promoted skill",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := context.Background()
			k, err := skillKernel(ctx)
			if err != nil {
				return err
			}
			defer k.Close()

			meta, err := k.quarantine.Deprecate(ctx, args[0], reason)
			if err != nil {
				return err
			}
			fmt.Printf("deprecated %s\n", meta.SkillID)
			return nil
		},
	}

	cmd.Flags().StringVar(&reason, "reason", "manual", "Deprecation reason")
	return cmd
}

func skillRunCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run <skill-id>",
		Short: "Execute a promoted skill",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := context.Background()
			k, err := skillKernel(ctx)
			if err != nil {
				return err
			}
			defer k.Close()

			out, err := k.quarantine.RunPromoted(ctx, args[0])
			if err != nil {
				return err
			}
			if out.Stdout != "" {
				fmt.Print(out.Stdout)
			}
			if out.Stderr != "" {
				fmt.Fprint(os.Stderr, out.Stderr)
			}
			if out.Failed {
				if out.Deprecated {
					return fmt.Errorf("execution failed (exit %d); skill deprecated after %d strikes", out.ExitCode, out.Strikes)
				}
				return fmt.Errorf("execution failed (exit %d); strikes=%d", out.ExitCode, out.Strikes)
			}
			return nil
		},
	}
}
