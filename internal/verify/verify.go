// Package verify checks that the DNS records of a managed domain are
// set up for sending and receiving mail through this server.
package verify

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/ksdme/mta/internal/dkim"
	"github.com/ksdme/mta/internal/metrics"
	"github.com/ksdme/mta/internal/models"
	"github.com/ksdme/mta/internal/resolve"
	"golang.org/x/sync/errgroup"
)

// Prefix of the stored public key that has to show up in the record.
const dkimKeyPrefix = 50

// Passing checks needed to mark a domain verified.
const verifiedThreshold = 3

type Result struct {
	SPFValid   bool
	DKIMValid  bool
	DMARCValid bool
	MXValid    bool

	SPFRecord   string
	DKIMRecord  string
	DMARCRecord string
	MXRecord    string

	Issues []string
}

func (r *Result) AllValid() bool {
	return r.SPFValid && r.DKIMValid && r.DMARCValid && r.MXValid
}

// Number of checks that passed.
func (r *Result) Passed() int {
	passed := 0
	for _, valid := range []bool{r.SPFValid, r.DKIMValid, r.DMARCValid, r.MXValid} {
		if valid {
			passed++
		}
	}
	return passed
}

// Whether the domain counts as verified. One failing check is allowed.
func (r *Result) Verified() bool {
	return r.AllValid() || r.Passed() >= verifiedThreshold
}

// The outcome of a single check.
type check struct {
	valid  bool
	record string
	issue  string
}

type Verifier struct {
	resolver resolve.Resolver
	timeout  time.Duration
}

func NewVerifier(resolver resolve.Resolver, timeout time.Duration) *Verifier {
	if timeout <= 0 {
		timeout = resolve.DefaultTimeout
	}
	return &Verifier{resolver: resolver, timeout: timeout}
}

// Runs the four checks against the published records of a domain.
// The checks run at the same time, each with its own timeout, so a
// stalled lookup only fails its own check.
func (v *Verifier) Check(ctx context.Context, domain *models.Domain, expectedIP string) *Result {
	checks := []struct {
		name string
		run  func(context.Context, *models.Domain, string) check
	}{
		{"spf", v.checkSPF},
		{"dkim", v.checkDKIM},
		{"dmarc", v.checkDMARC},
		{"mx", v.checkMX},
	}

	outcomes := make([]check, len(checks))
	var group errgroup.Group
	for i, c := range checks {
		group.Go(func() error {
			ctx, cancel := context.WithTimeout(ctx, v.timeout)
			defer cancel()

			outcomes[i] = c.run(ctx, domain, expectedIP)
			metrics.DNSChecks.WithLabelValues(c.name, metrics.Result(outcomes[i].valid)).Inc()
			return nil
		})
	}
	group.Wait()

	result := &Result{
		SPFValid:    outcomes[0].valid,
		SPFRecord:   outcomes[0].record,
		DKIMValid:   outcomes[1].valid,
		DKIMRecord:  outcomes[1].record,
		DMARCValid:  outcomes[2].valid,
		DMARCRecord: outcomes[2].record,
		MXValid:     outcomes[3].valid,
		MXRecord:    outcomes[3].record,
	}
	for _, outcome := range outcomes {
		if outcome.issue != "" {
			result.Issues = append(result.Issues, outcome.issue)
		}
	}

	slog.Info(
		"verified domain records",
		"domain", domain.Name,
		"spf", result.SPFValid,
		"dkim", result.DKIMValid,
		"dmarc", result.DMARCValid,
		"mx", result.MXValid,
	)
	return result
}

func (v *Verifier) checkSPF(ctx context.Context, domain *models.Domain, expectedIP string) check {
	records, err := v.resolver.LookupTXT(ctx, domain.Name)
	if err != nil {
		slog.Warn("could not verify spf", "domain", domain.Name, "err", err)
		return check{issue: fmt.Sprintf("SPF lookup failed: %v", err)}
	}

	record, ok := first(records, func(r string) bool { return strings.HasPrefix(r, "v=spf1") })
	if !ok {
		return check{issue: "SPF record not found"}
	}

	if strings.Contains(record, expectedIP) || strings.Contains(record, "mx") {
		return check{valid: true, record: record}
	}
	return check{record: record, issue: fmt.Sprintf("SPF exists but doesn't include IP %s", expectedIP)}
}

func (v *Verifier) checkDKIM(ctx context.Context, domain *models.Domain, expectedIP string) check {
	selector := domain.DKIMSelector
	if selector == "" {
		selector = models.DefaultDKIMSelector
	}
	host := fmt.Sprintf("%s._domainkey.%s", selector, domain.Name)

	records, err := v.resolver.LookupTXT(ctx, host)
	if err != nil {
		slog.Warn("could not verify dkim", "domain", domain.Name, "err", err)
		return check{issue: fmt.Sprintf("DKIM lookup failed: %v", err)}
	}

	record, ok := first(records, func(r string) bool { return strings.Contains(r, "v=DKIM1") })
	if !ok {
		return check{issue: fmt.Sprintf("DKIM record not found at %s", host)}
	}

	key := dkim.PublicKeyMaterial(domain.DKIMPublicKey)
	prefix := key[:min(dkimKeyPrefix, len(key))]
	if key != "" && strings.Contains(record, prefix) {
		return check{valid: true, record: record}
	}
	return check{record: record, issue: "DKIM exists but public key doesn't match"}
}

func (v *Verifier) checkDMARC(ctx context.Context, domain *models.Domain, expectedIP string) check {
	records, err := v.resolver.LookupTXT(ctx, "_dmarc."+domain.Name)
	if err != nil {
		slog.Warn("could not verify dmarc", "domain", domain.Name, "err", err)
		return check{issue: fmt.Sprintf("DMARC lookup failed: %v", err)}
	}

	record, ok := first(records, func(r string) bool { return strings.HasPrefix(r, "v=DMARC1") })
	if !ok {
		return check{issue: "DMARC record not found"}
	}
	return check{valid: true, record: record}
}

func (v *Verifier) checkMX(ctx context.Context, domain *models.Domain, expectedIP string) check {
	exchangers, err := v.resolver.LookupMX(ctx, domain.Name)
	if err != nil {
		slog.Warn("could not verify mx", "domain", domain.Name, "err", err)
		return check{issue: fmt.Sprintf("MX lookup failed: %v", err)}
	}
	if len(exchangers) == 0 {
		return check{issue: "MX record not found"}
	}

	host := exchangers[0].Host
	ips, err := v.resolver.LookupIPv4(ctx, host)
	if err != nil {
		slog.Warn("could not verify mx", "domain", domain.Name, "err", err)
		return check{record: host, issue: fmt.Sprintf("MX lookup failed: %v", err)}
	}
	if len(ips) == 0 {
		return check{record: host, issue: fmt.Sprintf("MX %s doesn't resolve to an IP", host)}
	}

	resolved := ips[0].String()
	if resolved != expectedIP {
		return check{record: host, issue: fmt.Sprintf("MX resolves to %s, expected %s", resolved, expectedIP)}
	}
	return check{valid: true, record: host}
}

func first(values []string, match func(string) bool) (string, bool) {
	for _, value := range values {
		if match(value) {
			return value, true
		}
	}
	return "", false
}
