package handler

import (
	"net/http"
	"strings"

	"github.com/kubomarket/sponsorship-ledger/internal/clock"
	"github.com/kubomarket/sponsorship-ledger/internal/monitor"
	"github.com/kubomarket/sponsorship-ledger/internal/ratelimit"
)

// Router holds every resource handler needed to answer the spec §6.1
// surface and dispatches by manually splitting the path into segments,
// the way the teacher's cmd/server/main.go matches suffixes under
// `/v1/merchants/`. The route tree here is too branchy for that approach
// alone, so each top-level resource gets its own segment-count switch.
type Router struct {
	Sponsors  *SponsorHandler
	Students  *StudentHandler
	Admin     *AdminHandler
	Merchants *MerchantHandler
	Health    *HealthHandler

	Limiter *ratelimit.Limiter
	Metrics *monitor.Metrics
	Clock   clock.Clock

	// BasePath is stripped from the front of every request path before
	// dispatch (spec §6.3's api_base_path; empty under FaaS).
	BasePath string
}

func (rt *Router) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", rt.Health.Health)
	mux.HandleFunc("/metrics", rt.Health.Metrics)
	mux.HandleFunc("/", rt.dispatch)

	var h http.Handler = mux
	h = WithAuth(h)
	h = RequestID(h)
	h = Logging(h)
	h = Recovery(h)
	return h
}

func (rt *Router) rateLimited(next http.HandlerFunc) http.HandlerFunc {
	return RateLimited(rt.Limiter, rt.Metrics, rt.Clock, next)
}

func (rt *Router) dispatch(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, rt.BasePath)
	segs := splitPath(path)
	if len(segs) == 0 {
		http.NotFound(w, r)
		return
	}

	switch segs[0] {
	case "sponsors":
		rt.dispatchSponsors(w, r, segs[1:])
	case "students":
		rt.dispatchStudents(w, r, segs[1:])
	case "admin":
		rt.dispatchAdmin(w, r, segs[1:])
	case "merchants":
		rt.dispatchMerchants(w, r, segs[1:])
	default:
		http.NotFound(w, r)
	}
}

func splitPath(p string) []string {
	p = strings.Trim(p, "/")
	if p == "" {
		return nil
	}
	return strings.Split(p, "/")
}

func (rt *Router) dispatchSponsors(w http.ResponseWriter, r *http.Request, segs []string) {
	if len(segs) < 1 {
		http.NotFound(w, r)
		return
	}
	sponsorID := segs[0]
	rest := segs[1:]

	switch {
	case len(rest) == 2 && rest[0] == "credits" && rest[1] == "topup" && r.Method == http.MethodPost:
		rt.Sponsors.TopUp(w, r, sponsorID)
	case len(rest) == 2 && rest[0] == "credits" && rest[1] == "summary" && r.Method == http.MethodGet:
		rt.Sponsors.CreditsSummary(w, r, sponsorID)
	case len(rest) == 2 && rest[0] == "eft-deposits" && rest[1] == "reference" && r.Method == http.MethodPost:
		rt.Sponsors.GenerateReference(w, r, sponsorID)
	case len(rest) == 1 && rest[0] == "eft-deposits" && r.Method == http.MethodPost:
		rt.Sponsors.SubmitEFT(w, r, sponsorID)
	case len(rest) == 1 && rest[0] == "eft-deposits" && r.Method == http.MethodGet:
		rt.Sponsors.ListEFT(w, r, sponsorID)
	case len(rest) == 1 && rest[0] == "students" && r.Method == http.MethodPost:
		rt.Sponsors.LinkStudent(w, r, sponsorID)
	case rest[0] == "students" && len(rest) >= 2:
		rt.dispatchSponsorStudent(w, r, sponsorID, rest[1], rest[2:])
	default:
		http.NotFound(w, r)
	}
}

func (rt *Router) dispatchSponsorStudent(w http.ResponseWriter, r *http.Request, sponsorID, studentID string, rest []string) {
	switch {
	case len(rest) == 1 && rest[0] == "budgets" && r.Method == http.MethodPost:
		rt.rateLimited(func(w http.ResponseWriter, r *http.Request) {
			rt.Sponsors.Allocate(w, r, sponsorID, studentID)
		})(w, r)
	case len(rest) == 1 && rest[0] == "budgets" && r.Method == http.MethodGet:
		rt.Sponsors.ListBudgets(w, r, sponsorID, studentID)
	case len(rest) == 2 && rest[0] == "budgets" && rest[1] == "reverse" && r.Method == http.MethodPost:
		rt.rateLimited(func(w http.ResponseWriter, r *http.Request) {
			rt.Sponsors.Reverse(w, r, sponsorID, studentID)
		})(w, r)
	case len(rest) == 1 && rest[0] == "ledger" && r.Method == http.MethodGet:
		rt.Sponsors.ListLedger(w, r, sponsorID, studentID)
	default:
		http.NotFound(w, r)
	}
}

func (rt *Router) dispatchStudents(w http.ResponseWriter, r *http.Request, segs []string) {
	if len(segs) < 1 {
		http.NotFound(w, r)
		return
	}
	studentID := segs[0]
	rest := segs[1:]

	switch {
	case len(rest) == 1 && rest[0] == "balance" && r.Method == http.MethodGet:
		rt.Students.Balance(w, r, studentID)
	case len(rest) == 1 && rest[0] == "budgets" && r.Method == http.MethodGet:
		rt.Students.Budgets(w, r, studentID)
	case len(rest) == 1 && rest[0] == "transactions" && r.Method == http.MethodGet:
		rt.rateLimited(func(w http.ResponseWriter, r *http.Request) {
			rt.Students.Transactions(w, r, studentID)
		})(w, r)
	case len(rest) == 2 && rest[0] == "transactions" && rest[1] == "prepare" && r.Method == http.MethodPost:
		rt.rateLimited(func(w http.ResponseWriter, r *http.Request) {
			rt.Students.Prepare(w, r, studentID)
		})(w, r)
	case len(rest) == 3 && rest[0] == "transactions" && rest[2] == "confirm" && r.Method == http.MethodPost:
		txID := rest[1]
		rt.rateLimited(func(w http.ResponseWriter, r *http.Request) {
			rt.Students.Confirm(w, r, studentID, txID)
		})(w, r)
	default:
		http.NotFound(w, r)
	}
}

func (rt *Router) dispatchAdmin(w http.ResponseWriter, r *http.Request, segs []string) {
	switch {
	case len(segs) == 1 && segs[0] == "eft-deposits" && r.Method == http.MethodGet:
		rt.Admin.ListEFT(w, r)
	case len(segs) == 3 && segs[0] == "eft-deposits" && segs[2] == "approve" && r.Method == http.MethodPost:
		rt.Admin.Approve(w, r, segs[1])
	case len(segs) == 3 && segs[0] == "eft-deposits" && segs[2] == "reject" && r.Method == http.MethodPost:
		rt.Admin.Reject(w, r, segs[1])
	default:
		http.NotFound(w, r)
	}
}

func (rt *Router) dispatchMerchants(w http.ResponseWriter, r *http.Request, segs []string) {
	switch {
	case len(segs) == 2 && segs[0] == "refund" && r.Method == http.MethodPost:
		rt.rateLimited(func(w http.ResponseWriter, r *http.Request) {
			rt.Merchants.Refund(w, r, segs[1])
		})(w, r)
	default:
		http.NotFound(w, r)
	}
}
