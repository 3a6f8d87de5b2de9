// Package main is the entry point for novelforge.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/azyu/novelforge/internal/app"
	"github.com/azyu/novelforge/internal/generation"
	"github.com/azyu/novelforge/internal/storage"
	"github.com/azyu/novelforge/pkg/types"
)

var version = "0.1.0"

var configPath string

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, ErrorText.Render(err.Error()))
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "novelforge",
	Short: "Generate full-length novels from a prompt",
	Long: `Novelforge turns a short prompt into a novel: back cover, story bible,
chapter plan and prose, checked for continuity and quality along the way.
Interrupted runs resume from their last checkpoint.`,
	Version:       version,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		app.LoadEnv()
	},
}

func configManager() (*app.ConfigManager, error) {
	if configPath != "" {
		return app.NewConfigManagerAt(configPath), nil
	}
	return app.NewConfigManager()
}

// openApp loads the configuration and wires the application.
func openApp(ctx context.Context) (*app.App, error) {
	cm, err := configManager()
	if err != nil {
		return nil, err
	}
	cfg, err := cm.LoadGlobalConfig()
	if err != nil {
		return nil, fmt.Errorf("failed to load config %s: %w", cm.Path(), err)
	}
	application, err := app.New(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize app: %w", err)
	}
	return application, nil
}

// withApp runs fn with an opened application and closes it afterwards.
func withApp(cmd *cobra.Command, fn func(ctx context.Context, a *app.App) error) error {
	ctx := cmd.Context()
	a, err := openApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(ctx, a)
}

var createCmd = &cobra.Command{
	Use:   "create",
	Short: "Create a new book",
	RunE: func(cmd *cobra.Command, args []string) error {
		settings := types.BookSettings{}
		settings.Title, _ = cmd.Flags().GetString("title")
		settings.Prompt, _ = cmd.Flags().GetString("prompt")
		settings.TargetWords, _ = cmd.Flags().GetInt("words")
		settings.Genre, _ = cmd.Flags().GetString("genre")
		settings.Tone, _ = cmd.Flags().GetString("tone")
		settings.Audience, _ = cmd.Flags().GetString("audience")
		settings.POV, _ = cmd.Flags().GetString("pov")
		tierName, _ := cmd.Flags().GetString("tier")
		settings.Tier = types.Tier(strings.ToUpper(tierName))

		return withApp(cmd, func(ctx context.Context, a *app.App) error {
			book, err := a.Engine.CreateBook(ctx, settings)
			if err != nil {
				return err
			}
			fmt.Println(field("Created", book.ID))
			fmt.Println(MutedText.Render("Next: novelforge back-cover " + book.ID))
			return nil
		})
	},
}

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List all books",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd, func(ctx context.Context, a *app.App) error {
			books, err := a.Store.ListBooks(ctx)
			if err != nil {
				return fmt.Errorf("failed to list books: %w", err)
			}
			if len(books) == 0 {
				fmt.Println(MutedText.Render("No books yet. Run 'novelforge create' to start one."))
				return nil
			}
			fmt.Println(Header.Render("Books"))
			for _, b := range books {
				fmt.Printf("%s  %-32s %s %s\n", b.ID, b.Settings.Title,
					statusStyle(string(b.Status)).Render(string(b.Status)),
					MutedText.Render(string(b.Step)))
			}
			return nil
		})
	},
}

var backCoverCmd = &cobra.Command{
	Use:   "back-cover <book-id>",
	Short: "Write the back-cover copy",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		prompt, _ := cmd.Flags().GetString("prompt")
		return withApp(cmd, func(ctx context.Context, a *app.App) error {
			text, err := a.Engine.GenerateBackCover(ctx, args[0], prompt)
			if err != nil {
				return err
			}
			fmt.Println(Header.Render("Back cover"))
			fmt.Println(text)
			return nil
		})
	},
}

var outlineCmd = &cobra.Command{
	Use:   "outline <book-id>",
	Short: "Research and build the story bible and chapter plan",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd, func(ctx context.Context, a *app.App) error {
			bible, err := a.Engine.GenerateOutline(ctx, args[0], nil)
			if err != nil {
				return err
			}
			fmt.Println(Header.Render("Outline"))
			fmt.Println(field("Premise", bible.Overview.Premise))
			fmt.Println(field("Characters", fmt.Sprint(len(bible.Characters))))
			for _, ch := range bible.Chapters {
				fmt.Printf("  %2d. %s %s\n", ch.Number, ch.Title, MutedText.Render(fmt.Sprintf("(%d words)", ch.TargetWords)))
			}
			return nil
		})
	},
}

var generateCmd = &cobra.Command{
	Use:   "generate <book-id>...",
	Short: "Generate the chapters of one or more books",
	Long: `Generate every pending chapter and complete the book. Several books run
concurrently and share one rate limiter. A book with a checkpoint resumes
from it.`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		stopAfter, _ := cmd.Flags().GetInt("stop-after")
		jobs, _ := cmd.Flags().GetInt("jobs")
		takeOver, _ := cmd.Flags().GetBool("take-over")
		opts := generation.StartOptions{StopAfter: stopAfter, TakeOver: takeOver}

		return withApp(cmd, func(ctx context.Context, a *app.App) error {
			var g errgroup.Group
			if jobs > 0 {
				g.SetLimit(jobs)
			}
			errs := make([]error, len(args))
			for i, id := range args {
				g.Go(func() error {
					errs[i] = a.Engine.StartBookGeneration(ctx, id, opts)
					return nil
				})
			}
			_ = g.Wait()
			return reportRuns(args, errs)
		})
	},
}

var resumeCmd = &cobra.Command{
	Use:   "resume <book-id>",
	Short: "Resume an interrupted book from its checkpoint",
	Long: `Resume an interrupted book from its checkpoint. A job that crashed
leaves its lease behind until it expires; --take-over claims the book
at once. Only use it when no other job is generating the book.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		takeOver, _ := cmd.Flags().GetBool("take-over")
		return withApp(cmd, func(ctx context.Context, a *app.App) error {
			var err error
			if takeOver {
				err = a.Engine.StartBookGeneration(ctx, args[0], generation.StartOptions{TakeOver: true})
			} else {
				err = a.Engine.ResumeBookGeneration(ctx, args[0], nil)
			}
			return reportRuns(args, []error{err})
		})
	},
}

// reportRuns prints one line per book and returns the joined failures.
func reportRuns(ids []string, errs []error) error {
	var failed []error
	for i, id := range ids {
		if errs[i] == nil {
			fmt.Println(statusStyle(string(types.BookStatusComplete)).Render("done   ") + id)
			continue
		}
		failed = append(failed, errs[i])
		label := "failed "
		if errors.Is(errs[i], generation.ErrBookBusy) {
			label = "busy   "
		}
		fmt.Println(ErrorText.Render(label) + id + " " + MutedText.Render(errs[i].Error()))
	}
	return errors.Join(failed...)
}

var statusCmd = &cobra.Command{
	Use:   "status <book-id>",
	Short: "Show a book's status and progress",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd, func(ctx context.Context, a *app.App) error {
			book, err := a.Store.GetBook(ctx, args[0])
			if err != nil {
				return err
			}
			fmt.Println(Header.Render(book.Settings.Title))
			fmt.Println(field("Status", string(book.Status)) + " " + MutedText.Render(string(book.Step)))
			fmt.Println(field("Tier", string(book.Settings.Tier)))
			fmt.Println(field("Target", fmt.Sprintf("%d words", book.Settings.TargetWords)))
			if book.QualityScore > 0 {
				fmt.Println(field("Quality", fmt.Sprintf("%d/100", book.QualityScore)))
			}
			if book.ErrorMessage != "" {
				fmt.Println(Label.Render("Error") + ErrorText.Render(book.ErrorMessage))
			}

			if st, err := a.Engine.GetGenerationProgress(ctx, book.ID); err == nil {
				fmt.Println(Label.Render("Progress") + progressBar(st.Progress, 30))
				if st.Message != "" {
					fmt.Println(Label.Render("") + MutedText.Render(st.Message))
				}
			}

			chapters, err := a.Store.ListChapters(ctx, book.ID)
			if err != nil {
				return err
			}
			if len(chapters) > 0 {
				fmt.Println()
				for _, ch := range chapters {
					fmt.Printf("  %2d. %-36s %s\n", ch.Number, ch.Title,
						statusStyle(string(ch.Status)).Render(string(ch.Status)))
				}
			}
			return nil
		})
	},
}

var revisionsCmd = &cobra.Command{
	Use:   "revisions <book-id>",
	Short: "List pending revisions and sections flagged by the quality gate",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd, func(ctx context.Context, a *app.App) error {
			tasks, err := a.Engine.GetPendingRevisions(ctx, args[0])
			if err != nil {
				return err
			}
			failed, err := a.Engine.GetFailedSections(ctx, args[0])
			if err != nil {
				return err
			}

			fmt.Println(Header.Render(fmt.Sprintf("Pending revisions (%d)", len(tasks))))
			for _, t := range tasks {
				where := fmt.Sprintf("ch %d", t.ChapterNumber)
				if t.SectionNumber > 0 {
					where += fmt.Sprintf(" §%d", t.SectionNumber)
				}
				fmt.Printf("  %-8s %-10s %-14s %s\n", statusStyle(string(types.StatusNeedsRevision)).Render(t.Priority),
					where, string(t.Trigger), MutedText.Render(t.Reason))
			}

			fmt.Println()
			fmt.Println(Header.Render(fmt.Sprintf("Flagged sections (%d)", len(failed))))
			for _, f := range failed {
				fmt.Printf("  §%-3d %3d/100  %s\n", f.SectionNumber, f.QualityScore, MutedText.Render(f.Reason))
			}
			return nil
		})
	},
}

var exportCmd = &cobra.Command{
	Use:   "export <book-id>",
	Short: "Export a book as Markdown",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		output, _ := cmd.Flags().GetString("output")
		return withApp(cmd, func(ctx context.Context, a *app.App) error {
			book, err := a.Store.GetBook(ctx, args[0])
			if err != nil {
				return err
			}
			chapters, err := a.Store.ListChapters(ctx, book.ID)
			if err != nil {
				return err
			}
			parts := make([]exportChapter, 0, len(chapters))
			for _, ch := range chapters {
				sections, err := a.Store.ListSections(ctx, ch.ID)
				if err != nil {
					return err
				}
				parts = append(parts, exportChapter{Chapter: ch, Sections: sections})
			}

			doc := renderMarkdown(book, parts)
			if output == "" || output == "-" {
				fmt.Print(doc)
				return nil
			}
			if err := storage.AtomicWriteFile(output, []byte(doc), 0644); err != nil {
				return fmt.Errorf("failed to write export: %w", err)
			}
			fmt.Println(field("Exported", output))
			return nil
		})
	},
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage the global configuration",
}

var configInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Write a default configuration file",
	RunE: func(cmd *cobra.Command, args []string) error {
		force, _ := cmd.Flags().GetBool("force")
		provider, _ := cmd.Flags().GetString("provider")

		cm, err := configManager()
		if err != nil {
			return err
		}
		if _, err := os.Stat(cm.Path()); err == nil && !force {
			return fmt.Errorf("config already exists at %s (use --force to overwrite)", cm.Path())
		}

		cfg := types.DefaultGlobalConfig()
		cfg.Defaults.Provider = provider
		if provider != "local" {
			cfg.Providers[provider] = &types.ProviderConfig{
				APIKey: "${" + strings.ToUpper(provider) + "_API_KEY}",
			}
		}
		if err := cm.SaveGlobalConfig(cfg); err != nil {
			return err
		}
		fmt.Println(field("Wrote", cm.Path()))
		return nil
	},
}

var configPathCmd = &cobra.Command{
	Use:   "path",
	Short: "Print the configuration file path",
	RunE: func(cmd *cobra.Command, args []string) error {
		cm, err := configManager()
		if err != nil {
			return err
		}
		fmt.Println(cm.Path())
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Path to config file (default $XDG_CONFIG_HOME/novelforge/config.yaml)")

	createCmd.Flags().String("title", "", "Book title")
	createCmd.Flags().String("prompt", "", "Story prompt")
	createCmd.Flags().Int("words", 20000, "Target word count")
	createCmd.Flags().String("genre", "", "Genre (fantasy, scifi, mystery, romance, ...)")
	createCmd.Flags().String("tone", "", "Tone of the prose")
	createCmd.Flags().String("audience", "", "Target audience")
	createCmd.Flags().String("pov", "", "Preferred point of view")
	createCmd.Flags().String("tier", string(types.TierFree), "Tier: FREE, BASIC, PRO or PREMIUM")
	_ = createCmd.MarkFlagRequired("title")
	_ = createCmd.MarkFlagRequired("genre")

	backCoverCmd.Flags().String("prompt", "", "Prompt to use instead of the one given at creation")

	generateCmd.Flags().Int("stop-after", 0, "Stop each book after this many chapters (0 for all)")
	generateCmd.Flags().IntP("jobs", "j", 0, "Maximum books generated at once (0 for no limit)")
	generateCmd.Flags().Bool("take-over", false, "Claim books whose lease is held by a crashed job")

	resumeCmd.Flags().Bool("take-over", false, "Claim the book even if a crashed job still holds its lease")

	exportCmd.Flags().StringP("output", "o", "", "Output file (default stdout)")

	configInitCmd.Flags().BoolP("force", "f", false, "Overwrite an existing config")
	configInitCmd.Flags().StringP("provider", "p", "openai", "Default provider: openai, gemini, anthropic or local")

	configCmd.AddCommand(configInitCmd)
	configCmd.AddCommand(configPathCmd)

	rootCmd.AddCommand(createCmd)
	rootCmd.AddCommand(listCmd)
	rootCmd.AddCommand(backCoverCmd)
	rootCmd.AddCommand(outlineCmd)
	rootCmd.AddCommand(generateCmd)
	rootCmd.AddCommand(resumeCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(revisionsCmd)
	rootCmd.AddCommand(exportCmd)
	rootCmd.AddCommand(configCmd)
}
