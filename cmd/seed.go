package main

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"smartborrow/internal/models"
	"smartborrow/internal/services"
)

type seedItem struct {
	id, name, category string
	qty                int
}

var seedItems = []seedItem{
	{"I01", "Projector Sony", "AV", 5},
	{"I02", "MacBook Pro M2", "IT", 2},
	{"I03", "Canon Camera", "AV", 3},
	{"I04", "Microphone Shure", "Audio", 10},
}

var seedStudents = []services.Registration{
	{CardType: models.CardTypeStudentCard, ID: "66001", Name: "Good Student", BirthYear: 2002, Email: "good.student@example.com", Phone: "081", Password: "1234"},
	{CardType: models.CardTypeStudentCard, ID: "66999", Name: "Late Student", BirthYear: 2001, Email: "late.student@example.com", Phone: "089", Password: "1234"},
}

var seedCmd = &cobra.Command{
	Use:   "seed",
	Short: "Load demo accounts, items and an overdue loan",
	Long: `Creates the admin account, four catalog items and two students. The student
66999 gets a MacBook loan that fell due three days ago. Existing rows are kept.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		// Demo addresses are not real; keep mail local.
		cfg.Notify.Driver = "log"

		ctx := cmd.Context()
		a, err := newApp(ctx, cfg)
		if err != nil {
			return err
		}
		defer a.close()

		password, _ := cmd.Flags().GetString("admin-password")
		if _, err := a.accounts.EnsureAdmin(ctx, "admin", password); err != nil {
			return err
		}
		if err := seedCatalog(ctx, a); err != nil {
			return err
		}
		for _, reg := range seedStudents {
			_, err := a.accounts.Register(ctx, reg)
			if errors.Is(err, services.ErrUserExists) {
				continue
			}
			if err != nil {
				return err
			}
		}
		return seedOverdueLoan(ctx, a)
	},
}

func seedCatalog(ctx context.Context, a *app) error {
	existing, err := a.borrow.ListItems(ctx)
	if err != nil {
		return err
	}
	have := make(map[string]bool, len(existing))
	for _, it := range existing {
		have[it.ID] = true
	}
	for _, it := range seedItems {
		if have[it.id] {
			continue
		}
		if _, err := a.borrow.CreateItem(ctx, it.id, it.name, it.category, it.qty); err != nil {
			return err
		}
	}
	return nil
}

// seedOverdueLoan runs a borrow through the normal workflow on a clock set
// ten days back, so the loan came due three days ago.
func seedOverdueLoan(ctx context.Context, a *app) error {
	past := time.Now().AddDate(0, 0, -(services.LoanPeriodDays + 3))
	backdated := a.borrowService(services.WithClock(func() time.Time { return past }))

	req, err := backdated.SubmitRequest(ctx, "66999", "I02", models.RequestKindNewBorrow, 0)
	if errors.Is(err, services.ErrDuplicateActiveLoan) || errors.Is(err, services.ErrDuplicatePendingRequest) {
		log.Info().Msg("seed: overdue loan already present")
		return nil
	}
	if err != nil {
		return err
	}
	res, err := backdated.ResolveRequest(ctx, req.ID, models.DecisionApprove)
	if err != nil {
		return err
	}
	log.Info().Str("record", res.Record.ID.String()).Time("due", res.Record.DueDate).Msg("seed: overdue loan created")
	return nil
}

func init() {
	rootCmd.AddCommand(seedCmd)
	seedCmd.Flags().String("admin-password", "admin", "Password for the admin account")
}
