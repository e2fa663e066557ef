package verification

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/miekg/dns"
)

// TXTResolver looks up TXT records for a name.
type TXTResolver interface {
	LookupTXT(ctx context.Context, name string) ([]string, error)
}

type dnsResolver struct {
	client    *dns.Client
	resolvers []string
}

// NewDNSResolver queries each resolver in turn until one answers.
func NewDNSResolver(resolvers []string, timeout time.Duration) TXTResolver {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &dnsResolver{
		client:    &dns.Client{Timeout: timeout},
		resolvers: resolvers,
	}
}

func (r *dnsResolver) LookupTXT(ctx context.Context, name string) ([]string, error) {
	m := new(dns.Msg)
	m.SetQuestion(dns.Fqdn(name), dns.TypeTXT)
	m.RecursionDesired = true

	var lastErr error
	for _, resolver := range r.resolvers {
		resp, _, err := r.client.ExchangeContext(ctx, m, resolver)
		if err != nil {
			lastErr = err
			continue
		}
		if resp.Rcode == dns.RcodeNameError {
			return nil, nil
		}
		if resp.Rcode != dns.RcodeSuccess {
			lastErr = fmt.Errorf("resolver %s returned %s", resolver, dns.RcodeToString[resp.Rcode])
			continue
		}

		var records []string
		for _, ans := range resp.Answer {
			if txt, ok := ans.(*dns.TXT); ok {
				// Long records arrive split into 255-byte strings.
				records = append(records, strings.Join(txt.Txt, ""))
			}
		}
		return records, nil
	}

	if lastErr == nil {
		lastErr = fmt.Errorf("no DNS resolvers configured")
	}
	return nil, lastErr
}
