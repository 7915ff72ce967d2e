// Package seed populates a fresh store with realistic historical data —
// sponsors, linked students, deposits at every lifecycle stage, budget
// allocations across several categories, confirmed transactions (none
// refunded), and a handful of deliberate double-submissions. It is
// used by the "seed" CLI subcommand to make a freshly started instance
// demoable without a real sponsor or payment network attached.
package seed

import (
	"context"
	"fmt"

	"github.com/kubomarket/sponsorship-ledger/internal/aggregate"
	"github.com/kubomarket/sponsorship-ledger/internal/deposit"
	"github.com/kubomarket/sponsorship-ledger/internal/money"
	"github.com/kubomarket/sponsorship-ledger/internal/sponsorship"
	"github.com/kubomarket/sponsorship-ledger/internal/transaction"
)

// Env bundles the services seed needs; cmd/sponsorshipd constructs one
// from the same wiring the HTTP server uses.
type Env struct {
	Deposits     *deposit.Service
	Sponsorships *sponsorship.Service
	Transactions *transaction.Engine
	Aggregates   *aggregate.Store
}

// Summary reports what got created, for the CLI to print.
type Summary struct {
	SponsorsSeeded      int
	DepositsApproved    int
	DepositsRejected    int
	StudentsLinked      int
	AllocationsApplied  int
	TransactionsConfirmed int
	TransactionsRefunded  int
	DoubleSubmissions     int
}

var sponsorIDs = []string{
	"sponsor_acme_foundation",
	"sponsor_bright_futures",
	"sponsor_horizon_trust",
	"sponsor_kudu_giving_circle",
	"sponsor_lumen_scholars",
}

var studentIDs = []string{
	"student_amara_okafor",
	"student_boipelo_mokoena",
	"student_carlos_dube",
	"student_dineo_ndlovu",
	"student_efe_adeyemi",
	"student_fatima_osei",
	"student_george_mthembu",
	"student_hlengiwe_zulu",
}

var seedCategories = []money.Category{
	money.CategoryTuition,
	money.CategoryHousing,
	money.CategoryFoodGroceries,
	money.CategoryBooks,
	money.CategoryTransport,
	money.CategoryDataAirtime,
}

// Run seeds the store through ctx's services. Re-running it against a
// non-empty store replays the links, allocations and transactions through
// their idempotency keys, but deposits are submitted and approved without
// a key, so every run credits each approved sponsor again.
func Run(ctx context.Context, env *Env) (*Summary, error) {
	summary := &Summary{}

	// 5 sponsors, each submitting and being approved for a deposit in the
	// R5,000-R20,000 range (500_000-2_000_000 cents); the last sponsor's
	// deposit is rejected
	// to exercise the reject path too.
	for i, sponsorID := range sponsorIDs {
		amount := int64(5_000_00 + i*3_750_00)
		ref := env.Deposits.GenerateReference(sponsorID)
		notify, err := env.Deposits.Submit(ctx, sponsorID, amount, ref, "")
		if err != nil {
			return summary, fmt.Errorf("seed: submit deposit for %s: %w", sponsorID, err)
		}
		summary.SponsorsSeeded++

		if i == len(sponsorIDs)-1 {
			if _, err := env.Deposits.Reject(ctx, notify.ID, "reference could not be matched to a bank statement line", ""); err != nil {
				return summary, fmt.Errorf("seed: reject deposit for %s: %w", sponsorID, err)
			}
			summary.DepositsRejected++
			continue
		}

		if _, _, err := env.Deposits.Approve(ctx, notify.ID, amount, "seed-admin", ""); err != nil {
			return summary, fmt.Errorf("seed: approve deposit for %s: %w", sponsorID, err)
		}
		summary.DepositsApproved++
	}

	// Each approved sponsor links 2 students and allocates across 3
	// categories, exercising the per-(sponsor,student,category) budget
	// rows the transaction engine reads.
	approvedSponsors := sponsorIDs[:len(sponsorIDs)-1]
	for si, sponsorID := range approvedSponsors {
		linkedStudents := studentIDs[si*2 : si*2+2]
		for _, studentID := range linkedStudents {
			if err := env.Sponsorships.Link(ctx, sponsorID, studentID, ""); err != nil {
				return summary, fmt.Errorf("seed: link %s/%s: %w", sponsorID, studentID, err)
			}
			summary.StudentsLinked++

			entries := []sponsorship.CategoryAmount{
				{Category: seedCategories[0], AmountCents: 1_200_00},
				{Category: seedCategories[1], AmountCents: 900_00},
				{Category: seedCategories[2], AmountCents: 400_00},
			}
			idemKey := "seed-allocate-" + sponsorID + "-" + studentID
			if _, err := env.Sponsorships.Allocate(ctx, sponsorID, studentID, entries, idemKey); err != nil {
				return summary, fmt.Errorf("seed: allocate %s/%s: %w", sponsorID, studentID, err)
			}
			summary.AllocationsApplied++

			// Replaying the exact same allocation call with the same
			// idempotency key must be a no-op cache hit, not a double
			// spend — this is the scenario a buggy client retry would
			// trigger, and it's worth seeding so a demo can show the
			// replay in the ledger/metrics.
			if _, err := env.Sponsorships.Allocate(ctx, sponsorID, studentID, entries, idemKey); err != nil {
				return summary, fmt.Errorf("seed: replay allocate %s/%s: %w", sponsorID, studentID, err)
			}
			summary.DoubleSubmissions++
		}
	}

	// A handful of confirmed transactions against the first category,
	// demonstrating prepare -> confirm end to end. None is refunded, so
	// Summary.TransactionsRefunded stays zero. No merchant registry is
	// seeded, so these all use the explicit-category path (no merchantId).
	for si, sponsorID := range approvedSponsors {
		studentID := studentIDs[si*2]
		category := seedCategories[0]

		pending, err := env.Transactions.Prepare(ctx, studentID, "", category, 300_00, "seed-prepare-"+studentID)
		if err != nil {
			return summary, fmt.Errorf("seed: prepare for %s: %w", studentID, err)
		}

		outcome, err := env.Transactions.Confirm(ctx, studentID, pending.TxID, "seed-confirm-"+studentID)
		if err != nil {
			return summary, fmt.Errorf("seed: confirm for %s: %w", studentID, err)
		}
		if outcome.ReconfirmRequired {
			// Availability drifted between prepare and confirm (unlikely
			// in a fresh seed run, but handled the same as production
			// would): reconfirm once against the refreshed snapshot.
			outcome, err = env.Transactions.Confirm(ctx, studentID, pending.TxID, "seed-confirm-retry-"+studentID)
			if err != nil {
				return summary, fmt.Errorf("seed: reconfirm for %s: %w", studentID, err)
			}
		}
		if outcome.Final != nil {
			summary.TransactionsConfirmed++
		}
	}

	return summary, nil
}
