package audit

import (
	"fmt"
	"regexp"
	"sort"
	"strings"
)

// IndexPrefix prefixes every per-service index name.
const IndexPrefix = "audit-"

// IndexPattern matches all per-service indices.
const IndexPattern = IndexPrefix + "*"

var (
	separatorRun = regexp.MustCompile(`[\s_.\-]+`)
	validService = regexp.MustCompile(`^[a-z0-9][a-z0-9-]{0,62}$`)
)

// NormalizeService lower-cases a source service name and folds word
// separators (space, underscore, dot, dash) into a single dash. Names that
// still contain anything outside [a-z0-9-] are rejected so that free text
// never reaches an index name.
func NormalizeService(name string) (string, error) {
	s := strings.ToLower(strings.TrimSpace(name))
	s = separatorRun.ReplaceAllString(s, "-")
	s = strings.Trim(s, "-")
	if !validService.MatchString(s) {
		return "", fmt.Errorf("%w: %q", ErrInvalidService, name)
	}
	return s, nil
}

// IndexName returns the index that stores records emitted by service.
func IndexName(service string) (string, error) {
	s, err := NormalizeService(service)
	if err != nil {
		return "", err
	}
	return IndexPrefix + s, nil
}

// ServiceAllowList restricts which source services may create indices.
// The zero value allows every well-formed name.
type ServiceAllowList struct {
	names map[string]struct{}
}

// NewServiceAllowList builds an allow-list from raw service names.
func NewServiceAllowList(services ...string) (ServiceAllowList, error) {
	l := ServiceAllowList{}
	for _, s := range services {
		if strings.TrimSpace(s) == "" {
			continue
		}
		n, err := NormalizeService(s)
		if err != nil {
			return ServiceAllowList{}, err
		}
		if l.names == nil {
			l.names = make(map[string]struct{})
		}
		l.names[n] = struct{}{}
	}
	return l, nil
}

// Check normalizes service and verifies it is allowed.
func (l ServiceAllowList) Check(service string) (string, error) {
	n, err := NormalizeService(service)
	if err != nil {
		return "", err
	}
	if len(l.names) == 0 {
		return n, nil
	}
	if _, ok := l.names[n]; !ok {
		return "", fmt.Errorf("%w: %q is not allowed", ErrInvalidService, service)
	}
	return n, nil
}

// Names returns the normalized allowed names.
func (l ServiceAllowList) Names() []string {
	out := make([]string, 0, len(l.names))
	for n := range l.names {
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}
