// Package firewall evaluates per-request block rules and short-circuits the
// pipeline for blocked exchanges.
package firewall

import (
	"context"
	"log"
	"net"
	"net/http"
	"strings"

	"github.com/go-analyze/bulk"

	"github.com/go-appsec/wrm/wrm/service/httpmsg"
	"github.com/go-appsec/wrm/wrm/service/pipeline"
)

// Rule decides whether one request is blocked.
type Rule interface {
	Name() string
	Evaluate(req *httpmsg.Request) pipeline.Decision
}

// Engine evaluates rules in order. The first blocking rule wins.
type Engine struct {
	rules []Rule
}

// NewEngine creates an engine over rules. Nil rules are dropped.
func NewEngine(rules ...Rule) *Engine {
	return &Engine{rules: bulk.SliceFilter(func(r Rule) bool { return r != nil }, rules)}
}

// Len returns the number of rules.
func (e *Engine) Len() int { return len(e.rules) }

// Evaluate returns Block and the matching rule, or Allow and nil.
func (e *Engine) Evaluate(req *httpmsg.Request) (pipeline.Decision, Rule) {
	if req == nil {
		return pipeline.Allow, nil
	}
	for _, r := range e.rules {
		if r.Evaluate(req) == pipeline.Block {
			return pipeline.Block, r
		}
	}
	return pipeline.Allow, nil
}

// Stage returns the pipeline stage enforcing e. Connections without a
// request pass through; blocked exchanges are marked and next is not called.
func Stage(e *Engine) pipeline.Stage {
	return pipeline.StageFunc(func(ctx context.Context, cc *pipeline.Context, next pipeline.Handler) error {
		if cc.Request == nil {
			return next(ctx, cc)
		}
		decision, rule := e.Evaluate(cc.Request)
		if decision == pipeline.Block {
			log.Printf("firewall: %s blocked %s %s by %s", cc.ID, cc.Request.Method, requestHost(cc.Request), rule.Name())
			cc.Decision = pipeline.Block
			cc.Response = nil
			return nil
		}
		return next(ctx, cc)
	})
}

// BlockHostRule blocks requests to any of a set of hosts. The CONNECT
// authority or Host header is matched case-insensitively without its port.
type BlockHostRule struct {
	hosts map[string]bool
}

// NewBlockHostRule creates a rule blocking hosts.
func NewBlockHostRule(hosts ...string) *BlockHostRule {
	r := &BlockHostRule{hosts: make(map[string]bool, len(hosts))}
	for _, h := range hosts {
		if h = normalizeHost(h); h != "" {
			r.hosts[h] = true
		}
	}
	return r
}

func (r *BlockHostRule) Name() string { return "block-host" }

func (r *BlockHostRule) Evaluate(req *httpmsg.Request) pipeline.Decision {
	if r.hosts[normalizeHost(requestHost(req))] {
		return pipeline.Block
	}
	return pipeline.Allow
}

// BlockMethodRule blocks requests using any of a set of methods.
type BlockMethodRule struct {
	methods []string
}

// NewBlockMethodRule creates a rule blocking methods, compared case-insensitively.
func NewBlockMethodRule(methods ...string) *BlockMethodRule {
	return &BlockMethodRule{methods: methods}
}

func (r *BlockMethodRule) Name() string { return "block-method" }

func (r *BlockMethodRule) Evaluate(req *httpmsg.Request) pipeline.Decision {
	for _, m := range r.methods {
		if strings.EqualFold(m, req.Method) {
			return pipeline.Block
		}
	}
	return pipeline.Allow
}

// requestHost returns the CONNECT authority or the Host header.
func requestHost(req *httpmsg.Request) string {
	if req.Method == http.MethodConnect && req.Path != "" && !strings.HasPrefix(req.Path, "/") {
		return req.Path
	}
	return req.Host()
}

// normalizeHost lowercases and strips the port and IPv6 brackets.
func normalizeHost(hostport string) string {
	hostport = strings.TrimSpace(hostport)
	if host, _, err := net.SplitHostPort(hostport); err == nil {
		hostport = host
	}
	return strings.ToLower(strings.Trim(hostport, "[]"))
}
