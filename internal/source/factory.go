package source

import (
	"strings"

	"github.com/rs/zerolog"

	"sweetwatch/internal/config"
)

// Validate checks the provider selection and its required credentials without constructing anything.
func Validate(cfg config.SourceConfig) error {
	switch normalizeProvider(cfg.Provider) {
	case ProviderLibreLinkUp:
		lc := cfg.LibreLinkUp
		if strings.TrimSpace(lc.Username) == "" || lc.Password == "" {
			return configError("source.librelinkup.username and source.librelinkup.password are required when source.provider=librelinkup")
		}
		region := strings.ToUpper(strings.TrimSpace(lc.Region))
		if region == "" {
			region = defaultLibreRegion
		}
		if _, ok := libreRegions[region]; !ok {
			return configError("unknown source.librelinkup.region %q", lc.Region)
		}
		return nil
	case ProviderNightscout:
		if strings.TrimSpace(cfg.Nightscout.URL) == "" {
			return configError("source.nightscout.url is required when source.provider=nightscout")
		}
		_, err := normalizeBaseURL(cfg.Nightscout.URL)
		return err
	default:
		return configError("unknown source.provider %q (expected %s or %s)", cfg.Provider, ProviderLibreLinkUp, ProviderNightscout)
	}
}

// New constructs the adapter selected by cfg.Provider. It performs no I/O.
func New(cfg config.SourceConfig, logger zerolog.Logger) (Source, error) {
	if err := Validate(cfg); err != nil {
		return nil, err
	}

	switch normalizeProvider(cfg.Provider) {
	case ProviderLibreLinkUp:
		src, err := NewLibreLinkUp(LibreLinkUpOptions{
			Username:      cfg.LibreLinkUp.Username,
			Password:      cfg.LibreLinkUp.Password,
			Region:        cfg.LibreLinkUp.Region,
			ClientVersion: cfg.LibreLinkUp.ClientVersion,
			Product:       cfg.LibreLinkUp.Product,
			Timeout:       cfg.RequestTimeout,
			RateLimit:     cfg.RateLimit,
		}, logger)
		if err != nil {
			return nil, err
		}
		return src, nil
	default:
		src, err := NewNightscout(NightscoutOptions{
			URL:       cfg.Nightscout.URL,
			APISecret: cfg.Nightscout.APISecret,
			Timeout:   cfg.RequestTimeout,
			RateLimit: cfg.RateLimit,
		}, logger)
		if err != nil {
			return nil, err
		}
		return src, nil
	}
}

func normalizeProvider(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}
