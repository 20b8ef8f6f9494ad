package notifier

import (
	"errors"
	"fmt"
	"net"
	"runtime"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/n0needt0/goodies/rollbar-agent/config"
	"github.com/n0needt0/goodies/rollbar-agent/domain"
)

const (
	notifierName    = "rollbar-agent"
	notifierVersion = "1.0.0"
)

// Packager turns submitted values into finished Data envelopes. The body is
// a tagged variant chosen by the value's type; no reflective field walking
// happens on the submission path.
type Packager struct {
	cfg *config.Rollbar
}

// NewPackager builds a packager bound to one notifier configuration.
func NewPackager(cfg *config.Rollbar) *Packager {
	return &Packager{cfg: cfg}
}

// BuildData assembles the single-item DTO for one submission.
func (pk *Packager) BuildData(level domain.Level, obj interface{}, req *domain.RequestInfo, custom map[string]interface{}) *domain.Data {
	cfg := pk.cfg

	body, title, extra := pk.buildBody(obj)
	if len(extra) > 0 {
		if custom == nil {
			custom = make(map[string]interface{}, len(extra))
		}
		for k, v := range extra {
			if _, exists := custom[k]; !exists {
				custom[k] = v
			}
		}
	}

	data := &domain.Data{
		Environment: cfg.Environment,
		Body:        body,
		Level:       level.String(),
		Timestamp:   time.Now().Unix(),
		CodeVersion: cfg.CodeVersion,
		Platform:    cfg.Platform,
		Language:    "go",
		Framework:   cfg.Framework,
		Title:       title,
		UUID:        strings.ReplaceAll(uuid.NewString(), "-", ""),
		Notifier:    &domain.NotifierInfo{Name: notifierName, Version: notifierVersion},
		Server:      cfg.Server,
		Custom:      custom,
	}

	data.Person = pk.collectPerson()
	data.Request = pk.collectRequest(req)

	scrub := newScrubber(cfg.ScrubFields, cfg.ScrubWhitelistFields)
	scrub.Map(data.Custom)
	if data.Request != nil {
		scrub.Headers(data.Request.Headers)
		scrub.Map(data.Request.Params)
	}

	return data
}

// buildBody picks the tagged variant: error values become traces (chains
// when wrapped), strings become messages, prepared bodies pass through and
// maps become messages with their pairs merged into custom.
func (pk *Packager) buildBody(obj interface{}) (body *domain.Body, title string, extra map[string]interface{}) {
	switch v := obj.(type) {
	case nil:
		return domain.MessageBody(""), "", nil

	case *domain.Body:
		return v, bodyTitle(v), nil

	case error:
		chain := traceChain(v)
		if len(chain) > 1 {
			return domain.TraceChainBody(chain), v.Error(), nil
		}
		return domain.TraceBody(chain[0]), v.Error(), nil

	case string:
		return domain.MessageBody(v), v, nil

	case map[string]interface{}:
		title, _ := v["message"].(string)
		if title == "" {
			title = fmt.Sprintf("%v", v)
		}
		return domain.MessageBody(title), title, v

	default:
		text := fmt.Sprintf("%v", v)
		return domain.MessageBody(text), text, nil
	}
}

func bodyTitle(b *domain.Body) string {
	switch {
	case b.Message != nil:
		return b.Message.Body
	case b.Trace != nil:
		return b.Trace.Exception.Message
	case len(b.TraceChain) > 0:
		return b.TraceChain[0].Exception.Message
	default:
		return ""
	}
}

// traceChain unwraps err into one Trace per cause, outermost first. Only
// the outermost trace carries the captured stack; Go wrapping does not
// retain per-cause stacks.
func traceChain(err error) []domain.Trace {
	frames := captureFrames(4)

	var chain []domain.Trace
	for err != nil {
		t := domain.Trace{
			Exception: domain.ExceptionInfo{
				Class:   fmt.Sprintf("%T", err),
				Message: err.Error(),
			},
		}
		if len(chain) == 0 {
			t.Frames = frames
		}
		chain = append(chain, t)
		err = errors.Unwrap(err)
	}
	return chain
}

// captureFrames walks the caller stack, skipping the packaging machinery.
func captureFrames(skip int) []domain.Frame {
	pcs := make([]uintptr, 64)
	n := runtime.Callers(skip, pcs)
	if n == 0 {
		return nil
	}

	frames := runtime.CallersFrames(pcs[:n])
	var out []domain.Frame
	for {
		f, more := frames.Next()
		out = append(out, domain.Frame{
			Filename: f.File,
			Method:   f.Function,
			Line:     f.Line,
		})
		if !more {
			break
		}
	}
	return out
}

// collectPerson applies the person data collection policies.
func (pk *Packager) collectPerson() *domain.Person {
	src := pk.cfg.Person
	if src == nil || src.ID == "" {
		return nil
	}

	p := &domain.Person{ID: src.ID}
	if pk.cfg.PersonDataCollectionPolicies.CollectUsername {
		p.Username = src.Username
	}
	if pk.cfg.PersonDataCollectionPolicies.CollectEmail {
		p.Email = src.Email
	}
	return p
}

// collectRequest applies the IP address collection policy.
func (pk *Packager) collectRequest(req *domain.RequestInfo) *domain.RequestInfo {
	if req == nil {
		return nil
	}

	out := *req
	if req.Headers != nil {
		out.Headers = make(map[string]string, len(req.Headers))
		for k, v := range req.Headers {
			out.Headers[k] = v
		}
	}
	if req.Params != nil {
		out.Params = make(map[string]interface{}, len(req.Params))
		for k, v := range req.Params {
			out.Params[k] = v
		}
	}
	switch pk.cfg.IpAddressCollectionPolicy {
	case config.IpPolicyDoNotSend:
		out.UserIP = ""
	case config.IpPolicyAnonymize:
		out.UserIP = anonymizeIP(out.UserIP)
	}
	return &out
}

// anonymizeIP zeroes the host portion: last octet for IPv4, everything
// past the /64 for IPv6.
func anonymizeIP(ip string) string {
	if ip == "" {
		return ""
	}
	if i := strings.LastIndex(ip, "."); i > 0 {
		return ip[:i] + ".0"
	}
	if strings.Contains(ip, ":") {
		if parsed := net.ParseIP(ip); parsed != nil {
			return parsed.Mask(net.CIDRMask(64, 128)).String()
		}
		parts := strings.Split(ip, ":")
		if len(parts) > 4 {
			parts = parts[:4]
		}
		return strings.Join(parts, ":") + "::"
	}
	return ip
}
