package config

import (
	"fmt"
	"net/url"
	"strings"
)

// Validate checks the config for:
//   - Duplicate destination IDs
//   - Parseable destination URLs
//   - Well-formed routing rules (exactly one variant's fields set)
//   - Sane delivery tunables
func Validate(cfg *Config) error {
	if cfg.Version == "" {
		return fmt.Errorf("config: version is required")
	}
	var errs []string

	if cfg.Delivery.Backoff.Multiplier < 1 {
		errs = append(errs, "delivery.backoff.multiplier must be >= 1")
	}
	if cfg.Delivery.Backoff.MaxAttempts < 1 {
		errs = append(errs, "delivery.backoff.max_attempts must be >= 1")
	}

	ids := make(map[string]bool)
	for i, d := range cfg.Destinations {
		if d.ID == "" {
			errs = append(errs, fmt.Sprintf("destinations[%d]: id is required", i))
			continue
		}
		if ids[d.ID] {
			errs = append(errs, fmt.Sprintf("duplicate destination id %q", d.ID))
		}
		ids[d.ID] = true
		if d.URL == "" {
			errs = append(errs, fmt.Sprintf("destination %s: url is required", d.ID))
		} else if u, err := url.Parse(d.URL); err != nil || u.Scheme == "" || u.Host == "" {
			errs = append(errs, fmt.Sprintf("destination %s: url %q is not absolute", d.ID, d.URL))
		}
		if d.MaxConcurrency < 0 {
			errs = append(errs, fmt.Sprintf("destination %s: max_concurrency must be >= 0", d.ID))
		}
		if d.RateLimit < 0 {
			errs = append(errs, fmt.Sprintf("destination %s: rate_limit must be >= 0", d.ID))
		}
		validateRule(d.ID, d.Match, &errs)
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation errors:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}

func validateRule(destID string, r RuleDef, errs *[]string) {
	switch r.Kind {
	case "all":
		if len(r.Types) > 0 || r.Field != "" || r.Equals != "" {
			*errs = append(*errs, fmt.Sprintf("destination %s: match kind \"all\" takes no parameters", destID))
		}
	case "event_type":
		if len(r.Types) == 0 {
			*errs = append(*errs, fmt.Sprintf("destination %s: match kind \"event_type\" requires types", destID))
		}
	case "field":
		if r.Field == "" {
			*errs = append(*errs, fmt.Sprintf("destination %s: match kind \"field\" requires field", destID))
		}
	default:
		*errs = append(*errs, fmt.Sprintf("destination %s: unknown match kind %q", destID, r.Kind))
	}
}
