package cli

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"correctord/internal/config"
	"correctord/internal/document"
	"correctord/internal/httpapi"
	"correctord/internal/jobs"
	"correctord/internal/plans"
	"correctord/internal/registry"
	"correctord/internal/scheduler"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
)

func userCmd(cfgPath *string) *cobra.Command {
	cmd := &cobra.Command{Use: "user", Short: "Manage users"}

	var id, email, plan string
	add := &cobra.Command{
		Use:   "add",
		Short: "Create or update a user",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if strings.TrimSpace(email) == "" {
				return errors.New("--email is required")
			}
			if plans.Lookup(plan).Name != strings.ToLower(strings.TrimSpace(plan)) {
				return fmt.Errorf("unknown plan %q (known: %s)", plan, strings.Join(plans.Names(), ", "))
			}
			reg, _, err := openRegistry(*cfgPath)
			if err != nil {
				return err
			}
			defer reg.Close()

			ctx := cmd.Context()
			if id == "" {
				if u, err := reg.FindUserByEmail(ctx, email); err == nil {
					id = u.ID
				} else if errors.Is(err, registry.ErrNotFound) {
					id = uuid.NewString()
				} else {
					return err
				}
			}
			u := registry.User{ID: id, Email: email, Plan: strings.ToLower(strings.TrimSpace(plan)), CreatedAt: time.Now().UTC()}
			if err := reg.PutUser(ctx, u); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), u.ID)
			return nil
		},
	}
	add.Flags().StringVar(&id, "id", "", "user id (default: existing id for the email, or a new uuid)")
	add.Flags().StringVar(&email, "email", "", "user email")
	add.Flags().StringVar(&plan, "plan", plans.Free.Name, "plan name")
	cmd.AddCommand(add)
	return cmd
}

func projectCmd(cfgPath *string) *cobra.Command {
	cmd := &cobra.Command{Use: "project", Short: "Manage projects"}

	var user, name string
	add := &cobra.Command{
		Use:   "add",
		Short: "Create a project owned by a user",
		RunE: func(cmd *cobra.Command, _ []string) error {
			reg, _, err := openRegistry(*cfgPath)
			if err != nil {
				return err
			}
			defer reg.Close()

			ctx := cmd.Context()
			if _, err := reg.GetUser(ctx, user); err != nil {
				return fmt.Errorf("user %s: %w", user, err)
			}
			p := registry.Project{ID: uuid.NewString(), OwnerID: user, Name: name, CreatedAt: time.Now().UTC()}
			if err := reg.PutProject(ctx, p); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), p.ID)
			return nil
		},
	}
	add.Flags().StringVar(&user, "user", "", "owner user id")
	add.Flags().StringVar(&name, "name", "", "project name")
	_ = add.MarkFlagRequired("user")
	_ = add.MarkFlagRequired("name")
	cmd.AddCommand(add)
	return cmd
}

func docCmd(cfgPath *string) *cobra.Command {
	cmd := &cobra.Command{Use: "doc", Short: "Manage documents"}

	var user, project, file string
	add := &cobra.Command{
		Use:   "add",
		Short: "Upload a .docx or text file into a project",
		RunE: func(cmd *cobra.Command, _ []string) error {
			reg, s, err := openRegistry(*cfgPath)
			if err != nil {
				return err
			}
			defer reg.Close()

			ctx := cmd.Context()
			p, err := reg.GetProject(ctx, project)
			if err != nil || p.OwnerID != user {
				return fmt.Errorf("project %s not found for user %s", project, user)
			}
			f, err := os.Open(file)
			if err != nil {
				return err
			}
			defer f.Close()

			st, err := document.Save(s.ArtifactsDir, user, project, filepath.Base(file), f)
			if err != nil {
				return err
			}
			d := registry.Document{
				ID:            uuid.NewString(),
				ProjectID:     project,
				Name:          st.Name,
				Path:          st.Path,
				Kind:          st.Kind,
				Checksum:      st.Checksum,
				ContentBackup: st.Content,
				CreatedAt:     time.Now().UTC(),
			}
			if err := reg.PutDocument(ctx, d); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), d.ID)
			return nil
		},
	}
	add.Flags().StringVar(&user, "user", "", "owner user id")
	add.Flags().StringVar(&project, "project", "", "project id")
	add.Flags().StringVar(&file, "file", "", "path of the document to upload")
	for _, f := range []string{"user", "project", "file"} {
		_ = add.MarkFlagRequired(f)
	}
	cmd.AddCommand(add)
	return cmd
}

func runCmd(cfgPath *string) *cobra.Command {
	cmd := &cobra.Command{Use: "run", Short: "Inspect correction runs"}

	withJobs := func(fn func(ctx context.Context, svc *jobs.Service, id string) (any, error)) func(*cobra.Command, []string) error {
		return func(cmd *cobra.Command, args []string) error {
			reg, s, err := openRegistry(*cfgPath)
			if err != nil {
				return err
			}
			defer reg.Close()
			v, err := fn(cmd.Context(), jobs.NewService(reg, scheduler.New(s.SystemMaxWorkers)), args[0])
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), v)
		}
	}

	cmd.AddCommand(
		&cobra.Command{
			Use:   "status RUN_ID",
			Short: "Show run progress",
			Args:  cobra.ExactArgs(1),
			RunE: withJobs(func(ctx context.Context, svc *jobs.Service, id string) (any, error) {
				return svc.Status(ctx, id)
			}),
		},
		&cobra.Command{
			Use:   "artifacts RUN_ID",
			Short: "List files produced by a run",
			Args:  cobra.ExactArgs(1),
			RunE: withJobs(func(ctx context.Context, svc *jobs.Service, id string) (any, error) {
				return svc.ListArtifacts(ctx, id)
			}),
		},
	)
	return cmd
}

func tokenCmd(cfgPath *string) *cobra.Command {
	var user string
	var ttl time.Duration
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Mint an API bearer token for a user",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := config.LoadDotEnv(config.DotEnvPaths(*cfgPath)...); err != nil {
				return err
			}
			cfg, err := config.NewConfigManager(*cfgPath).Parse()
			if err != nil {
				return err
			}
			if strings.TrimSpace(cfg.HTTP.JWTSecret) == "" {
				return fmt.Errorf("http.jwt_secret (or %s) is not set", config.EnvJWTSecret)
			}
			tok, err := httpapi.NewAuth(cfg.HTTP.JWTSecret).Sign(user, ttl)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), tok)
			return nil
		},
	}
	cmd.Flags().StringVar(&user, "user", "", "user id (token subject)")
	cmd.Flags().DurationVar(&ttl, "ttl", httpapi.DefaultTokenTTL, "token lifetime")
	_ = cmd.MarkFlagRequired("user")
	return cmd
}
