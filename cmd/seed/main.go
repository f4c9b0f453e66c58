// Package main seeds a department structure and test users through the
// identity service, against the store configured for the server.
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"

	"go.uber.org/zap"

	"github.com/pitabwire/pxm/internal/app"
	"github.com/pitabwire/pxm/internal/config"
	"github.com/pitabwire/pxm/internal/identity"
	"github.com/pitabwire/pxm/internal/observability"
	"github.com/pitabwire/pxm/model"
)

const seedPassword = "password123"

type seedUser struct {
	email    string
	fullName string
	position string
	dept     string
	manages  bool
}

var seedDepartments = []string{"Engineering", "Executive"}

var seedUsers = []seedUser{
	{email: "kim@pxm.com", fullName: "Kim Manager", position: "Manager", dept: "Engineering", manages: true},
	{email: "park@pxm.com", fullName: "Park Director", position: "Director", dept: "Executive", manages: true},
	{email: "lee@pxm.com", fullName: "Lee Staff", position: "Engineer", dept: "Engineering"},
}

func main() {
	os.Exit(run())
}

func run() int {
	configPath := flag.String("config", "config.yaml", "path to configuration file")
	envFile := flag.String("env-file", ".env", "path to a .env file (ignored if missing)")
	flag.Parse()

	cfg, err := config.Load(*configPath, *envFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
		return 1
	}

	logger, err := observability.NewLogger(cfg.Observability)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger error: %v\n", err)
		return 1
	}
	defer logger.Sync()

	if cfg.Store.Driver == config.DriverMemory {
		logger.Warn("store driver is memory; seeded users will not outlive this process")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	stores, err := app.BuildStores(ctx, cfg.Store, logger)
	if err != nil {
		logger.Error("store initialization failed", zap.Error(err))
		return 1
	}
	defer stores.Close()

	services, err := app.BuildServices(cfg.Identity, stores, logger, nil)
	if err != nil {
		logger.Error("service initialization failed", zap.Error(err))
		return 1
	}

	if err := seed(ctx, services.Identity, os.Stdout); err != nil {
		logger.Error("seeding failed", zap.Error(err))
		return 1
	}
	return 0
}

// seed creates the departments and users, then prints each user's ID and a
// fresh token. Users that already exist are logged in instead of recreated.
func seed(ctx context.Context, svc *identity.Service, out io.Writer) error {
	depts := make(map[string]model.Department, len(seedDepartments))
	for _, name := range seedDepartments {
		dept, err := svc.CreateDepartment(ctx, name, nil)
		if err != nil {
			return fmt.Errorf("create department %s: %w", name, err)
		}
		depts[name] = dept
	}

	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "EMAIL\tID\tPOSITION\tTOKEN")

	for _, u := range seedUsers {
		dept := depts[u.dept]
		position := u.position
		resp, err := svc.Register(ctx, identity.RegisterInput{
			Email:        u.email,
			Password:     seedPassword,
			FullName:     u.fullName,
			Position:     &position,
			DepartmentID: &dept.ID,
		})
		if model.CodeOf(err) == model.ErrConflict {
			resp, err = svc.Login(ctx, identity.LoginInput{Email: u.email, Password: seedPassword})
		}
		if err != nil {
			return fmt.Errorf("seed user %s: %w", u.email, err)
		}

		if u.manages {
			if err := svc.AssignManager(ctx, dept.ID, resp.User.ID); err != nil {
				return fmt.Errorf("assign %s as manager of %s: %w", u.email, u.dept, err)
			}
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", u.email, resp.User.ID, u.position, resp.Token)
	}
	return tw.Flush()
}
