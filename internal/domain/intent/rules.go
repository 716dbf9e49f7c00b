package intent

import (
	"regexp"
	"strconv"
	"strings"
)

// rule binds one intent type to a set of utterance patterns. Rules are
// evaluated in declaration order; the first matching pattern wins.
type rule struct {
	typ      Type
	patterns []*regexp.Regexp
}

func compile(exprs ...string) []*regexp.Regexp {
	out := make([]*regexp.Regexp, 0, len(exprs))
	for _, e := range exprs {
		out = append(out, regexp.MustCompile(e))
	}
	return out
}

// rules is the deterministic Stage-1 grammar. Matches return confidence 1.0
// and are never overridden by the semantic fallback.
var rules = []rule{
	{TypeProvisionTenant, compile(
		`photo service`,
		`photo.*(?:setup|site|cloud)`,
		`(?:stand up|set up|onboard).*tenant`,
		`family.*photo`,
	)},
	{TypeDeleteEnvironment, compile(
		`delete.*environment`,
		`remove.*environment`,
		`destroy.*environment`,
	)},
	{TypeCreateEnvironment, compile(
		`create.*environment`,
		`need.*environment`,
		`set up.*environment`,
		`new.*environment`,
	)},
	{TypeAddDatabase, compile(
		`need.*database`,
		`add.*database`,
		`create.*database`,
		`deploy.*postgres`,
		`deploy.*mysql`,
	)},
	{TypeDeployApp, compile(
		`deploy.*app`,
		`deploy.*application`,
		`install.*app`,
		`need.*wordpress`,
	)},
	{TypeScaleApp, compile(
		`scale (?:up|down)`,
		`add more resources`,
		`app is slow`,
		`need more (?:cpu|memory|ram|storage)`,
	)},
	{TypeRestartService, compile(
		`restart`,
		`reboot`,
		`reset`,
	)},
	{TypeCreateBackup, compile(
		`back ?up`,
		`snapshot`,
	)},
	{TypeShowUsage, compile(
		`how much.*using`,
		`show.*usage`,
		`what'?s my.*quota`,
		`resource.*usage`,
	)},
	{TypeViewLogs, compile(
		`show.*logs`,
		`view.*logs`,
		`check.*logs`,
		`what happened`,
	)},
	{TypeTroubleshoot, compile(
		`not working`,
		`is down`,
		`app crashed`,
		`getting error`,
		`what'?s wrong`,
	)},
}

// Match runs the Stage-1 rule set against the utterance. The boolean result
// reports whether any rule fired; on a hit the intent carries confidence 1.0
// and the extracted, unit-normalized parameters.
func Match(utterance string) (Intent, bool) {
	lower := strings.ToLower(utterance)
	for _, r := range rules {
		for _, p := range r.patterns {
			if p.MatchString(lower) {
				return Intent{
					Type:             r.typ,
					Confidence:       1.0,
					Parameters:       ExtractParameters(utterance),
					RequiresApproval: IsHighRisk(r.typ),
					RawInput:         utterance,
				}, true
			}
		}
	}
	return Intent{}, false
}

var (
	nameRe    = regexp.MustCompile(`(?i)\b(?:called|named|for)\s+([a-z0-9-]+)`)
	cpuRe     = regexp.MustCompile(`(?i)(\d+(?:\.\d+)?)\s*(?:cpu|cores?|vcpus?)`)
	memoryRe  = regexp.MustCompile(`(?i)(\d+(?:\.\d+)?)\s*(gb|gib|mb|mib|tb)\b(?:\s*(?:of\s+)?(?:memory|ram))?`)
	storageRe = regexp.MustCompile(`(?i)(\d+(?:\.\d+)?)\s*(gb|gib|tb)\s*(?:of\s+)?(?:storage|disk)`)
)

// ExtractParameters pulls structured parameters out of the raw utterance.
// Resource sizes are normalized: CPU to cores, memory and storage to GiB.
func ExtractParameters(utterance string) map[string]string {
	params := map[string]string{}

	if m := nameRe.FindStringSubmatch(utterance); m != nil {
		params["name"] = strings.Trim(strings.ToLower(m[1]), ".,!?")
	}
	if m := cpuRe.FindStringSubmatch(utterance); m != nil {
		params["cpu"] = m[1]
	}
	if m := storageRe.FindStringSubmatch(utterance); m != nil {
		params["storage_gb"] = normalizeToGiB(m[1], m[2])
	}
	if m := memoryRe.FindStringSubmatch(utterance); m != nil {
		// Storage already claimed this quantity if the expressions overlap.
		if params["storage_gb"] == "" || m[0] != storageRe.FindString(utterance) {
			params["memory_gb"] = normalizeToGiB(m[1], m[2])
		}
	}

	lower := strings.ToLower(utterance)
	switch {
	case strings.Contains(lower, "postgres"):
		params["database_type"] = "postgresql"
	case strings.Contains(lower, "mysql"):
		params["database_type"] = "mysql"
	case strings.Contains(lower, "mongo"):
		params["database_type"] = "mongodb"
	}

	return params
}

// normalizeToGiB converts a textual size to GiB, rendered without a unit
// suffix. Unknown units pass through unchanged.
func normalizeToGiB(value, unit string) string {
	n, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return value
	}
	switch strings.ToLower(unit) {
	case "mb", "mib":
		n /= 1024
	case "tb":
		n *= 1024
	}
	return strconv.FormatFloat(n, 'f', -1, 64)
}
