// Package doctor checks a loaded configuration against the job catalog.
package doctor

import (
	"encoding/json"
	"fmt"
	"net"
	"os"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/mattjoyce/jobserver/internal/auth"
	"github.com/mattjoyce/jobserver/internal/config"
	"github.com/mattjoyce/jobserver/internal/handler"
	"github.com/mattjoyce/jobserver/internal/plugin"
)

// Result holds the outcome of a validation run.
type Result struct {
	Valid    bool    `json:"valid"`
	Errors   []Issue `json:"errors,omitempty"`
	Warnings []Issue `json:"warnings,omitempty"`
}

// Issue describes a single validation error or warning.
type Issue struct {
	Category string `json:"category"`
	Message  string `json:"message"`
	Field    string `json:"field,omitempty"`
}

// Doctor validates configuration against the job catalog.
type Doctor struct {
	cfg *config.Config
	cat *plugin.Catalog

	// served is every job type some configured handler can run.
	served map[string]string
}

// New creates a Doctor from a loaded config and a populated catalog.
func New(cfg *config.Config, cat *plugin.Catalog) *Doctor {
	return &Doctor{cfg: cfg, cat: cat}
}

// Validate runs all checks and returns a result.
func (d *Doctor) Validate() *Result {
	r := &Result{Valid: true}

	d.validateHandlers(r)
	d.validateListeners(r)
	d.validateTokenScopes(r)
	d.validateWebhooks(r)
	d.validateSchedules(r)
	d.warnUnusedJobs(r)
	d.warnDrain(r)
	d.warnMissingEnvVars(r)
	d.warnLegacyAuth(r)

	r.Valid = len(r.Errors) == 0
	return r
}

func (d *Doctor) addError(r *Result, category, field, msg string) {
	r.Errors = append(r.Errors, Issue{Category: category, Field: field, Message: msg})
}

func (d *Doctor) addWarning(r *Result, category, field, msg string) {
	r.Warnings = append(r.Warnings, Issue{Category: category, Field: field, Message: msg})
}

// validateHandlers checks handler kinds and job types. A type served by two
// handlers only ever reaches the first in key order.
func (d *Doctor) validateHandlers(r *Result) {
	d.served = make(map[string]string)

	specs := d.cfg.RequestHandlers
	if len(specs) == 0 {
		for _, typ := range d.cat.Types() {
			d.served[typ] = handler.KindDefault
		}
		return
	}

	keys := make([]string, 0, len(specs))
	for k := range specs {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, key := range keys {
		field := "request_handlers." + key
		kind, _, _ := strings.Cut(key, "/")
		if handler.NormalizeType(kind) != handler.KindDefault {
			d.addError(r, "handlers", field,
				fmt.Sprintf("unknown handler kind %q (supported: %s)", kind, handler.KindDefault))
			continue
		}
		if len(specs[key]) == 0 {
			d.addWarning(r, "handlers", field, "handler serves no job types")
		}
		for i, typ := range specs[key] {
			norm := handler.NormalizeType(typ)
			if _, ok := d.cat.Resolve(norm); !ok {
				d.addWarning(r, "handlers", fmt.Sprintf("%s[%d]", field, i),
					fmt.Sprintf("job type %q not found in catalog", typ))
				continue
			}
			if prev, dup := d.served[norm]; dup {
				d.addWarning(r, "handlers", fmt.Sprintf("%s[%d]", field, i),
					fmt.Sprintf("job type %q is already served by handler %q", typ, prev))
				continue
			}
			d.served[norm] = key
		}
	}
}

// validateListeners rejects the API and webhook listener sharing an address.
func (d *Doctor) validateListeners(r *Result) {
	if !d.cfg.API.Enabled {
		return
	}
	if d.cfg.API.Auth.APIKey == "" && len(d.cfg.API.Auth.Tokens) == 0 {
		d.addWarning(r, "api", "api.auth", "API enabled but no authentication configured; every protected route will return 401")
	}
	if _, _, err := net.SplitHostPort(d.cfg.API.Listen); err != nil {
		d.addError(r, "api", "api.listen", fmt.Sprintf("invalid listen address %q: %v", d.cfg.API.Listen, err))
	}
	if d.cfg.Webhooks != nil && len(d.cfg.Webhooks.Endpoints) > 0 && d.cfg.Webhooks.Listen == d.cfg.API.Listen {
		d.addError(r, "webhooks", "webhooks.listen",
			fmt.Sprintf("webhooks.listen %q is also used by the API", d.cfg.Webhooks.Listen))
	}
}

func (d *Doctor) validateTokenScopes(r *Result) {
	seen := make(map[string]int)
	for i, token := range d.cfg.API.Auth.Tokens {
		if prev, dup := seen[token.Token]; dup && token.Token != "" {
			d.addError(r, "token_scopes", fmt.Sprintf("api.auth.tokens[%d].token", i),
				fmt.Sprintf("token duplicates api.auth.tokens[%d]", prev))
		}
		seen[token.Token] = i
		for j, scope := range token.Scopes {
			if !auth.ValidScope(scope) {
				d.addError(r, "token_scopes", fmt.Sprintf("api.auth.tokens[%d].scopes[%d]", i, j),
					fmt.Sprintf("unknown scope %q (expected *, requests:ro, requests:rw, events:ro or events:rw)", scope))
			}
		}
	}
}

// validateWebhooks checks for path conflicts and unserved request types.
func (d *Doctor) validateWebhooks(r *Result) {
	if d.cfg.Webhooks == nil {
		return
	}

	seen := make(map[string]int)
	for i, ep := range d.cfg.Webhooks.Endpoints {
		field := fmt.Sprintf("webhooks.endpoints[%d]", i)

		if !strings.HasPrefix(ep.Path, "/") {
			d.addError(r, "webhooks", field+".path", fmt.Sprintf("webhook path %q must start with /", ep.Path))
		}
		normalized := strings.TrimSuffix(ep.Path, "/")
		if prevIdx, exists := seen[normalized]; exists {
			d.addError(r, "webhooks", field+".path",
				fmt.Sprintf("webhook path %q conflicts with webhooks.endpoints[%d]", ep.Path, prevIdx))
		}
		seen[normalized] = i

		d.checkServed(r, "webhooks", field+".type", ep.Type)
	}
}

// validateSchedules checks schedule IDs, intervals and request types.
func (d *Doctor) validateSchedules(r *Result) {
	seen := make(map[string]int)
	for i, sc := range d.cfg.Schedules {
		field := fmt.Sprintf("schedules[%d]", i)
		if prev, dup := seen[sc.ID()]; dup {
			d.addError(r, "schedule", field, fmt.Sprintf("schedule %q duplicates schedules[%d]", sc.ID(), prev))
		}
		seen[sc.ID()] = i

		interval, err := config.ParseInterval(sc.Every)
		if err != nil {
			d.addError(r, "schedule", field+".every", fmt.Sprintf("invalid schedule interval %q: %v", sc.Every, err))
			continue
		}
		if interval < time.Minute {
			d.addWarning(r, "schedule", field+".every", fmt.Sprintf("schedule interval %q is very short (< 1m)", sc.Every))
		}
		if sc.Jitter >= interval {
			d.addWarning(r, "schedule", field+".jitter", fmt.Sprintf("jitter %s is not shorter than the interval", sc.Jitter))
		}
		d.checkServed(r, "schedule", field+".type", sc.Type)
	}
}

func (d *Doctor) checkServed(r *Result, category, field, typ string) {
	if _, ok := d.served[handler.NormalizeType(typ)]; !ok {
		d.addWarning(r, category, field,
			fmt.Sprintf("request type %q is not served by any handler; requests will fail as unsupported", typ))
	}
}

// warnUnusedJobs warns about plugin job types that no handler serves.
func (d *Doctor) warnUnusedJobs(r *Result) {
	for _, typ := range d.cat.Types() {
		if d.cat.Source(typ) == plugin.SourceBuiltin {
			continue
		}
		if _, ok := d.served[typ]; !ok {
			d.addWarning(r, "unused", "",
				fmt.Sprintf("job type %q from plugin %q is not assigned to any handler", typ, d.cat.Source(typ)))
		}
	}
}

func (d *Doctor) warnDrain(r *Result) {
	drain := d.cfg.Service.Drain
	if !drain.Wait && drain.Timeout > 0 {
		d.addWarning(r, "service", "service.drain.timeout", "drain timeout has no effect when drain.wait is false")
	}
}

var envVarRe = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// warnMissingEnvVars warns about ${VAR} references left unresolved because
// VAR is not set.
func (d *Doctor) warnMissingEnvVars(r *Result) {
	check := func(field, value string) {
		for _, m := range envVarRe.FindAllStringSubmatch(value, -1) {
			if os.Getenv(m[1]) == "" {
				d.addWarning(r, "env_vars", field, fmt.Sprintf("environment variable ${%s} not set", m[1]))
			}
		}
	}

	check("api.auth.api_key", d.cfg.API.Auth.APIKey)
	for i, token := range d.cfg.API.Auth.Tokens {
		check(fmt.Sprintf("api.auth.tokens[%d].token", i), token.Token)
	}
	if d.cfg.Webhooks != nil {
		for i, ep := range d.cfg.Webhooks.Endpoints {
			check(fmt.Sprintf("webhooks.endpoints[%d].secret", i), ep.Secret)
		}
	}
}

func (d *Doctor) warnLegacyAuth(r *Result) {
	if d.cfg.API.Auth.APIKey != "" && len(d.cfg.API.Auth.Tokens) > 0 {
		d.addWarning(r, "auth", "api.auth",
			"both api_key and tokens configured; api_key grants every scope")
	}
}

// FormatHuman returns a human-readable validation report.
func FormatHuman(r *Result) string {
	var b strings.Builder

	switch {
	case r.Valid && len(r.Warnings) == 0:
		b.WriteString("Configuration valid.\n")
		return b.String()
	case r.Valid:
		fmt.Fprintf(&b, "Configuration valid (%d warning(s))\n", len(r.Warnings))
	default:
		fmt.Fprintf(&b, "Configuration invalid (%d error(s), %d warning(s))\n", len(r.Errors), len(r.Warnings))
	}

	for _, e := range r.Errors {
		writeIssue(&b, "ERROR", e)
	}
	for _, w := range r.Warnings {
		writeIssue(&b, "WARN ", w)
	}
	return b.String()
}

func writeIssue(b *strings.Builder, level string, i Issue) {
	if i.Field != "" {
		fmt.Fprintf(b, "  %s [%s] %s: %s\n", level, i.Category, i.Field, i.Message)
		return
	}
	fmt.Fprintf(b, "  %s [%s] %s\n", level, i.Category, i.Message)
}

// FormatJSON returns the result as indented JSON.
func FormatJSON(r *Result) (string, error) {
	data, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return "", err
	}
	return string(data), nil
}
