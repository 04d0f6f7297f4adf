package matcher

import (
	"net/http"
	"net/url"
	"strconv"
	"testing"

	corev3 "github.com/envoyproxy/go-control-plane/envoy/config/core/v3"
	routev3 "github.com/envoyproxy/go-control-plane/envoy/config/route/v3"
	matcherv3 "github.com/envoyproxy/go-control-plane/envoy/type/matcher/v3"
	typev3 "github.com/envoyproxy/go-control-plane/envoy/type/v3"
)

func headerWith(name, value string) http.Header {
	h := http.Header{}
	h.Set(name, value)
	return h
}

func TestHeaderMatcherModes(t *testing.T) {
	tests := []struct {
		name    string
		matcher *routev3.HeaderMatcher
		headers http.Header
		want    bool
	}{
		{
			name: "exact match",
			matcher: &routev3.HeaderMatcher{
				Name:                 "x-env",
				HeaderMatchSpecifier: &routev3.HeaderMatcher_ExactMatch{ExactMatch: "canary"},
			},
			headers: headerWith("x-env", "canary"),
			want:    true,
		},
		{
			name: "exact mismatch",
			matcher: &routev3.HeaderMatcher{
				Name:                 "x-env",
				HeaderMatchSpecifier: &routev3.HeaderMatcher_ExactMatch{ExactMatch: "canary"},
			},
			headers: headerWith("x-env", "stable"),
			want:    false,
		},
		{
			name: "exact on absent header is non-match",
			matcher: &routev3.HeaderMatcher{
				Name:                 "x-env",
				HeaderMatchSpecifier: &routev3.HeaderMatcher_ExactMatch{ExactMatch: "canary"},
			},
			headers: http.Header{},
			want:    false,
		},
		{
			name: "prefix match",
			matcher: &routev3.HeaderMatcher{
				Name:                 "x-version",
				HeaderMatchSpecifier: &routev3.HeaderMatcher_PrefixMatch{PrefixMatch: "v2."},
			},
			headers: headerWith("x-version", "v2.14"),
			want:    true,
		},
		{
			name: "suffix match",
			matcher: &routev3.HeaderMatcher{
				Name:                 "host",
				HeaderMatchSpecifier: &routev3.HeaderMatcher_SuffixMatch{SuffixMatch: ".internal"},
			},
			headers: headerWith("host", "svc.internal"),
			want:    true,
		},
		{
			name: "regex full match",
			matcher: &routev3.HeaderMatcher{
				Name: "x-trace",
				HeaderMatchSpecifier: &routev3.HeaderMatcher_SafeRegexMatch{
					SafeRegexMatch: &matcherv3.RegexMatcher{Regex: `[0-9a-f]{8}`},
				},
			},
			headers: headerWith("x-trace", "deadbeef"),
			want:    true,
		},
		{
			name: "regex is anchored, partial does not match",
			matcher: &routev3.HeaderMatcher{
				Name: "x-trace",
				HeaderMatchSpecifier: &routev3.HeaderMatcher_SafeRegexMatch{
					SafeRegexMatch: &matcherv3.RegexMatcher{Regex: `[0-9a-f]{8}`},
				},
			},
			headers: headerWith("x-trace", "xxdeadbeefxx"),
			want:    false,
		},
		{
			name: "range start inclusive",
			matcher: &routev3.HeaderMatcher{
				Name: "x-retries",
				HeaderMatchSpecifier: &routev3.HeaderMatcher_RangeMatch{
					RangeMatch: &typev3.Int64Range{Start: 3, End: 10},
				},
			},
			headers: headerWith("x-retries", "3"),
			want:    true,
		},
		{
			name: "range end exclusive",
			matcher: &routev3.HeaderMatcher{
				Name: "x-retries",
				HeaderMatchSpecifier: &routev3.HeaderMatcher_RangeMatch{
					RangeMatch: &typev3.Int64Range{Start: 3, End: 10},
				},
			},
			headers: headerWith("x-retries", "10"),
			want:    false,
		},
		{
			name: "range unparsable value is non-match",
			matcher: &routev3.HeaderMatcher{
				Name: "x-retries",
				HeaderMatchSpecifier: &routev3.HeaderMatcher_RangeMatch{
					RangeMatch: &typev3.Int64Range{Start: 3, End: 10},
				},
			},
			headers: headerWith("x-retries", "many"),
			want:    false,
		},
		{
			name: "present true matches existing",
			matcher: &routev3.HeaderMatcher{
				Name:                 "authorization",
				HeaderMatchSpecifier: &routev3.HeaderMatcher_PresentMatch{PresentMatch: true},
			},
			headers: headerWith("authorization", "Bearer x"),
			want:    true,
		},
		{
			name: "present false matches absent",
			matcher: &routev3.HeaderMatcher{
				Name:                 "authorization",
				HeaderMatchSpecifier: &routev3.HeaderMatcher_PresentMatch{PresentMatch: false},
			},
			headers: http.Header{},
			want:    true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m, err := CompileHeader(tt.matcher)
			if err != nil {
				t.Fatalf("compile: %v", err)
			}
			if got := m.Matches(tt.headers); got != tt.want {
				t.Errorf("Matches() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestHeaderMatcherInvert(t *testing.T) {
	// invert must negate the base result for every input, including absence.
	base := &routev3.HeaderMatcher{
		Name:                 "x-env",
		HeaderMatchSpecifier: &routev3.HeaderMatcher_ExactMatch{ExactMatch: "canary"},
	}
	inverted := &routev3.HeaderMatcher{
		Name:                 "x-env",
		HeaderMatchSpecifier: &routev3.HeaderMatcher_ExactMatch{ExactMatch: "canary"},
		InvertMatch:          true,
	}

	mBase, err := CompileHeader(base)
	if err != nil {
		t.Fatal(err)
	}
	mInv, err := CompileHeader(inverted)
	if err != nil {
		t.Fatal(err)
	}

	inputs := []http.Header{
		headerWith("x-env", "canary"),
		headerWith("x-env", "stable"),
		headerWith("x-env", ""),
		{},
	}
	for _, h := range inputs {
		if mInv.Matches(h) != !mBase.Matches(h) {
			t.Errorf("invert not a negation for headers %v", h)
		}
	}
}

func TestHeaderMatcherMultiValue(t *testing.T) {
	h := http.Header{}
	h.Add("x-tags", "a")
	h.Add("x-tags", "b")

	m, err := CompileHeader(&routev3.HeaderMatcher{
		Name:                 "x-tags",
		HeaderMatchSpecifier: &routev3.HeaderMatcher_ExactMatch{ExactMatch: "a,b"},
	})
	if err != nil {
		t.Fatal(err)
	}
	if !m.Matches(h) {
		t.Error("multi-valued header should be joined with a comma before matching")
	}
}

func TestHeaderMatcherRejectsBadRegex(t *testing.T) {
	_, err := CompileHeader(&routev3.HeaderMatcher{
		Name: "x",
		HeaderMatchSpecifier: &routev3.HeaderMatcher_SafeRegexMatch{
			SafeRegexMatch: &matcherv3.RegexMatcher{Regex: `([`},
		},
	})
	if err == nil {
		t.Fatal("expected compile error for invalid regex")
	}
}

func TestQueryParamMatcher(t *testing.T) {
	tests := []struct {
		name    string
		matcher *routev3.QueryParameterMatcher
		rawq    string
		want    bool
	}{
		{
			name: "string exact",
			matcher: &routev3.QueryParameterMatcher{
				Name: "debug",
				QueryParameterMatchSpecifier: &routev3.QueryParameterMatcher_StringMatch{
					StringMatch: &matcherv3.StringMatcher{
						MatchPattern: &matcherv3.StringMatcher_Exact{Exact: "true"},
					},
				},
			},
			rawq: "debug=true",
			want: true,
		},
		{
			name: "string exact absent param",
			matcher: &routev3.QueryParameterMatcher{
				Name: "debug",
				QueryParameterMatchSpecifier: &routev3.QueryParameterMatcher_StringMatch{
					StringMatch: &matcherv3.StringMatcher{
						MatchPattern: &matcherv3.StringMatcher_Exact{Exact: "true"},
					},
				},
			},
			rawq: "other=1",
			want: false,
		},
		{
			name: "presence",
			matcher: &routev3.QueryParameterMatcher{
				Name: "token",
				QueryParameterMatchSpecifier: &routev3.QueryParameterMatcher_PresentMatch{
					PresentMatch: true,
				},
			},
			rawq: "token=",
			want: true,
		},
		{
			name: "ignore case exact",
			matcher: &routev3.QueryParameterMatcher{
				Name: "mode",
				QueryParameterMatchSpecifier: &routev3.QueryParameterMatcher_StringMatch{
					StringMatch: &matcherv3.StringMatcher{
						MatchPattern: &matcherv3.StringMatcher_Exact{Exact: "Fast"},
						IgnoreCase:   true,
					},
				},
			},
			rawq: "mode=fast",
			want: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m, err := CompileQueryParam(tt.matcher)
			if err != nil {
				t.Fatalf("compile: %v", err)
			}
			q, _ := url.ParseQuery(tt.rawq)
			if got := m.Matches(q); got != tt.want {
				t.Errorf("Matches() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestFractionGateDeterministic(t *testing.T) {
	gate := NewFractionGate(&corev3.RuntimeFractionalPercent{
		DefaultValue: &typev3.FractionalPercent{
			Numerator:   50,
			Denominator: typev3.FractionalPercent_HUNDRED,
		},
		RuntimeKey: "routing.shadow",
	})

	first := gate.Allows("req-12345")
	for i := 0; i < 100; i++ {
		if gate.Allows("req-12345") != first {
			t.Fatal("gate decision must be deterministic for the same entropy")
		}
	}
}

func TestFractionGateProportion(t *testing.T) {
	gate := NewFractionGate(&corev3.RuntimeFractionalPercent{
		DefaultValue: &typev3.FractionalPercent{
			Numerator:   25,
			Denominator: typev3.FractionalPercent_HUNDRED,
		},
		RuntimeKey: "routing.canary",
	})

	const trials = 20000
	allowed := 0
	for i := 0; i < trials; i++ {
		if gate.Allows("req-" + strconv.Itoa(i)) {
			allowed++
		}
	}
	ratio := float64(allowed) / trials
	if ratio < 0.22 || ratio > 0.28 {
		t.Errorf("observed ratio %.3f, want ~0.25", ratio)
	}
}

func TestFractionGateBounds(t *testing.T) {
	zero := NewFractionGateFromPercent(&typev3.FractionalPercent{Numerator: 0})
	if zero.Allows("anything") {
		t.Error("numerator 0 must never pass")
	}
	full := NewFractionGateFromPercent(&typev3.FractionalPercent{
		Numerator:   100,
		Denominator: typev3.FractionalPercent_HUNDRED,
	})
	if !full.Allows("anything") {
		t.Error("numerator == denominator must always pass")
	}
	var nilGate *FractionGate
	if !nilGate.Allows("x") {
		t.Error("nil gate must always pass")
	}
}
