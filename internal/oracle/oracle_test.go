package oracle

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"reflect"
	"testing"
	"time"

	"github.com/openai/openai-go"
)

type step struct {
	out string
	err error
}

type scriptedCompleter struct {
	steps []step
	calls int
}

func (s *scriptedCompleter) complete(context.Context, string, string) (string, error) {
	i := s.calls
	s.calls++
	if i >= len(s.steps) {
		i = len(s.steps) - 1
	}
	return s.steps[i].out, s.steps[i].err
}

func testClient(t *testing.T, ps ...provider) (*Client, *[]time.Duration) {
	t.Helper()
	slept := &[]time.Duration{}
	return &Client{
		providers: ps,
		logger:    slog.New(slog.NewTextHandler(io.Discard, nil)),
		sleep: func(_ context.Context, d time.Duration) error {
			*slept = append(*slept, d)
			return nil
		},
	}, slept
}

func TestAskBoolRetriesMalformed(t *testing.T) {
	sc := &scriptedCompleter{steps: []step{
		{out: "I cannot decide."},
		{out: "True, this is about cybersecurity."},
	}}
	c, slept := testClient(t, provider{label: "test", retries: 3, impl: sc})

	got, err := c.AskBool(context.Background(), "sys", "user")
	if err != nil {
		t.Fatalf("AskBool: %v", err)
	}
	if !got {
		t.Error("AskBool = false, want true")
	}
	if sc.calls != 2 {
		t.Errorf("calls = %d, want 2", sc.calls)
	}
	if !reflect.DeepEqual(*slept, []time.Duration{malformedDelay}) {
		t.Errorf("slept = %v, want one malformed delay", *slept)
	}
}

func TestAskBoolExhaustsRetries(t *testing.T) {
	sc := &scriptedCompleter{steps: []step{{out: "garbage"}}}
	c, slept := testClient(t, provider{label: "test", retries: 3, impl: sc})

	_, err := c.AskBool(context.Background(), "sys", "user")
	if !errors.Is(err, ErrMalformed) {
		t.Fatalf("err = %v, want ErrMalformed", err)
	}
	if sc.calls != 3 {
		t.Errorf("calls = %d, want 3", sc.calls)
	}
	// No sleep after the final attempt.
	if len(*slept) != 2 {
		t.Errorf("sleeps = %d, want 2", len(*slept))
	}
}

func TestRetryDelaysByStatus(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want time.Duration
	}{
		{"rate limited", &openai.Error{StatusCode: 429}, rateLimitDelay},
		{"server error", &openai.Error{StatusCode: 503}, serverErrDelay},
		{"transport", errors.New("connection reset"), transportDelay},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sc := &scriptedCompleter{steps: []step{
				{err: tt.err},
				{out: "False"},
			}}
			c, slept := testClient(t, provider{label: "test", retries: 3, impl: sc})

			got, err := c.AskBool(context.Background(), "sys", "user")
			if err != nil {
				t.Fatalf("AskBool: %v", err)
			}
			if got {
				t.Error("AskBool = true, want false")
			}
			if !reflect.DeepEqual(*slept, []time.Duration{tt.want}) {
				t.Errorf("slept = %v, want [%v]", *slept, tt.want)
			}
		})
	}
}

func TestOtherHTTPErrorAbortsProvider(t *testing.T) {
	sc := &scriptedCompleter{steps: []step{{err: &openai.Error{StatusCode: 401}}}}
	c, slept := testClient(t, provider{label: "test", retries: 3, impl: sc})

	_, err := c.AskBool(context.Background(), "sys", "user")
	if err == nil {
		t.Fatal("err = nil, want surfaced HTTP error")
	}
	if sc.calls != 1 {
		t.Errorf("calls = %d, want 1 (no retry on other HTTP errors)", sc.calls)
	}
	if len(*slept) != 0 {
		t.Errorf("slept = %v, want none", *slept)
	}
}

func TestFallbackChain(t *testing.T) {
	broken := &scriptedCompleter{steps: []step{{err: &openai.Error{StatusCode: 500}}}}
	healthy := &scriptedCompleter{steps: []step{{out: "#Malware\n#ZeroDay"}}}
	c, _ := testClient(t,
		provider{label: "primary", retries: 2, impl: broken},
		provider{label: "fallback", retries: 2, impl: healthy},
	)

	lines, err := c.AskLines(context.Background(), "sys", "user")
	if err != nil {
		t.Fatalf("AskLines: %v", err)
	}
	if !reflect.DeepEqual(lines, []string{"#Malware", "#ZeroDay"}) {
		t.Errorf("lines = %v", lines)
	}
	if broken.calls != 2 {
		t.Errorf("primary calls = %d, want its full retry budget", broken.calls)
	}
}

func TestParseBool(t *testing.T) {
	tests := []struct {
		in      string
		want    bool
		wantErr bool
	}{
		{"True", true, false},
		{"  false\n", false, false},
		{"TRUE.", true, false},
		{"False, not security related.", false, false},
		{"yes", false, true},
		{"", false, true},
	}
	for _, tt := range tests {
		got, err := ParseBool(tt.in)
		if (err != nil) != tt.wantErr {
			t.Errorf("ParseBool(%q) err = %v, wantErr %v", tt.in, err, tt.wantErr)
			continue
		}
		if err == nil && got != tt.want {
			t.Errorf("ParseBool(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestParseLines(t *testing.T) {
	got, err := ParseLines("- #SupplyChain\n* #NPM\n1. #Backdoor\n\n#Short\n")
	if err != nil {
		t.Fatalf("ParseLines: %v", err)
	}
	want := []string{"#SupplyChain", "#NPM", "#Backdoor", "#Short"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("lines = %v, want %v", got, want)
	}

	if _, err := ParseLines("  \n \n"); err == nil {
		t.Error("empty response parsed, want error")
	}
}

func TestParseIoCs(t *testing.T) {
	resp := "Here are the indicators:\n```json\n[{\"value\":\"198.51.100.7\",\"type\":\"ip\",\"comment\":\"C2\"},{\"value\":\"evil.example\",\"type\":\"domain\",\"comment\":\"\"}]\n```"
	got, err := ParseIoCs(resp)
	if err != nil {
		t.Fatalf("ParseIoCs: %v", err)
	}
	if len(got) != 2 || got[0].Value != "198.51.100.7" || got[1].Type != "domain" {
		t.Errorf("iocs = %+v", got)
	}

	if _, err := ParseIoCs("no array here"); err == nil {
		t.Error("prose parsed as IoC array, want error")
	}
	if _, err := ParseIoCs("[{broken"); err == nil {
		t.Error("broken JSON parsed, want error")
	}
}
