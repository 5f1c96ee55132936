package review

import "github.com/finforte/deposit-review-service/internal/domain"

// BannerFor derives the notification banner for an outcome. It returns nil when
// there is nothing to show or the operator dismissed the banner.
func BannerFor(outcome domain.Outcome, dismissed bool) *domain.Banner {
	if dismissed {
		return nil
	}
	switch outcome.Kind {
	case domain.OutcomeSuccess:
		return &domain.Banner{Severity: domain.BannerSeveritySuccess, Message: outcome.Message, Dismissible: true}
	case domain.OutcomeFailure:
		return &domain.Banner{Severity: domain.BannerSeverityDanger, Message: outcome.Message, Dismissible: true}
	default:
		return nil
	}
}
