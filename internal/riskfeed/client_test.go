package riskfeed

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func TestAssessNotConfigured(t *testing.T) {
	c := NewClient(Options{}, zerolog.Nop())
	if c.Enabled() {
		t.Fatal("未配置 URL 时不应启用")
	}
	if _, err := c.Assess(context.Background(), "aave", "0x1"); !errors.Is(err, ErrNotConfigured) {
		t.Fatalf("未配置 URL 时应返回 ErrNotConfigured, 实际 %v", err)
	}
}

func TestAssessSuccess(t *testing.T) {
	var got assessRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/assess-risk" || r.Method != http.MethodPost {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		_ = json.NewDecoder(r.Body).Decode(&got)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"success":true,"assessment":{"risk_score":0.4237,"risk_level":"medium","confidence":0.9,"recommendations":["diversify"],"timestamp":"2024-03-01T12:00:00.123456","model_version":"v2"}}`))
	}))
	defer srv.Close()

	c := NewClient(Options{BaseURL: srv.URL + "/", Timeout: time.Second}, zerolog.Nop())
	a, err := c.Assess(context.Background(), "aave", "0xabc")
	if err != nil {
		t.Fatalf("成功响应不应报错: %v", err)
	}
	if got.StrategyAddress != "0xabc" || got.Protocol != "aave" {
		t.Fatalf("请求体不正确: %+v", got)
	}
	if a.ScoreBps != 4237 || a.ConfidenceBps != 9000 {
		t.Fatalf("换算 bps 错误: score=%d confidence=%d", a.ScoreBps, a.ConfidenceBps)
	}
	if a.Level != "MEDIUM" {
		t.Fatalf("风险等级应转为大写: %s", a.Level)
	}
	want := time.Date(2024, 3, 1, 12, 0, 0, 123456000, time.UTC)
	if !a.ObservedAt.Equal(want) {
		t.Fatalf("时间戳解析错误: %s", a.ObservedAt)
	}
	if len(a.Raw) == 0 {
		t.Fatal("应保留原始响应")
	}
}

func TestAssessRejectedAndHTTPError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("User-Agent") == "down" {
			w.WriteHeader(http.StatusServiceUnavailable)
			_ = json.NewEncoder(w).Encode(map[string]string{"detail": "model loading"})
			return
		}
		_, _ = w.Write([]byte(`{"success":false,"error":"unknown strategy"}`))
	}))
	defer srv.Close()

	c := NewClient(Options{BaseURL: srv.URL, Timeout: time.Second}, zerolog.Nop())
	if _, err := c.Assess(context.Background(), "aave", "0x1"); err == nil {
		t.Fatal("success=false 应返回错误")
	}

	c = NewClient(Options{BaseURL: srv.URL, Timeout: time.Second, UserAgent: "down"}, zerolog.Nop())
	_, err := c.Assess(context.Background(), "aave", "0x1")
	var httpErr *HTTPError
	if !errors.As(err, &httpErr) || httpErr.StatusCode() != http.StatusServiceUnavailable {
		t.Fatalf("HTTP 503 应返回 HTTPError, 实际 %v", err)
	}
	if httpErr.Message != "model loading" {
		t.Fatalf("应解析错误详情: %q", httpErr.Message)
	}
}

func TestAssessRejectsOutOfRangeScore(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"success":true,"assessment":{"risk_score":1.5,"confidence":0.5}}`))
	}))
	defer srv.Close()

	c := NewClient(Options{BaseURL: srv.URL}, zerolog.Nop())
	if _, err := c.Assess(context.Background(), "aave", "0x1"); err == nil {
		t.Fatal("超出 [0,1] 的分数应报错")
	}
}
