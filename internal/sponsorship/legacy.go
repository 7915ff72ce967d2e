package sponsorship

import (
	"context"

	"github.com/kubomarket/sponsorship-ledger/internal/apperr"
	"github.com/kubomarket/sponsorship-ledger/internal/clock"
	"github.com/kubomarket/sponsorship-ledger/internal/store"
)

// legacyFixedFeeCents is the flat fee the old `POST /sponsors/deposit`
// path charged; carried forward unchanged (spec §9).
const legacyFixedFeeCents = 200

func skLegacySponsorship(studentID string) string { return "LEGACY_SPONSORSHIP#" + studentID }

// LegacyCreateSponsorship reproduces the vestigial `POST /sponsors/deposit`
// path named in spec §9: it creates a sponsorship record with a fixed
// 200-cent fee and does not touch the sponsor balance, the EFT deposit
// lifecycle, or any budget/lot row. Its relationship to the rest of the
// credit flow is ambiguous in the source it was ported from, so it is
// kept exactly that disconnected here — nothing else in this module calls
// it, and nothing it writes is read by Allocate, Reverse, or the
// transaction engine.
func (s *Service) LegacyCreateSponsorship(ctx context.Context, sponsorID, studentID string) (feeCents int64, err error) {
	if sponsorID == "" || studentID == "" {
		return 0, apperr.New(apperr.BadInput, "sponsorId and studentId are required")
	}
	item := store.Item{
		Pk: sponsorPartition(sponsorID),
		Sk: skLegacySponsorship(studentID),
		Attrs: map[string]any{
			"student_id": studentID,
			"fee_cents":  legacyFixedFeeCents,
			"created_at": clock.ISO8601(s.clock.Now()),
		},
	}
	if err := s.adapter.Put(ctx, item, store.PutOptions{}); err != nil {
		return 0, apperr.Wrap(apperr.Transient, "create legacy sponsorship record", err)
	}
	return legacyFixedFeeCents, nil
}
