package service

import (
	"context"
	"errors"
	"sort"

	"go.uber.org/zap"

	"spsh/backend/internal/domain"
	"spsh/backend/internal/storage"
)

// SeedEmailDomains stores the configured service provider to domain mapping.
// Existing entries with a different domain are updated. It returns the number of
// written entries.
func SeedEmailDomains(ctx context.Context, repo storage.EmailDomainRepository, domains map[string]string, logger *zap.Logger) (int, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	providers := make([]string, 0, len(domains))
	for sp := range domains {
		providers = append(providers, sp)
	}
	sort.Strings(providers)

	written := 0
	for _, sp := range providers {
		name := domain.AddressDomain("@" + domains[sp])
		existing, err := repo.FindEmailDomainByServiceProvider(ctx, sp)
		switch {
		case err == nil && existing.Domain == name:
			continue
		case err == nil:
			logger.Info("updating email domain", zap.String("serviceProviderId", sp),
				zap.String("from", existing.Domain), zap.String("to", name))
			existing.Domain = name
			err = repo.SaveEmailDomain(ctx, existing)
		case errors.Is(err, domain.ErrEmailDomainNotFound):
			logger.Info("adding email domain", zap.String("serviceProviderId", sp), zap.String("domain", name))
			err = repo.SaveEmailDomain(ctx, domain.NewEmailDomain(sp, name))
		}
		if err != nil {
			return written, err
		}
		written++
	}
	return written, nil
}
