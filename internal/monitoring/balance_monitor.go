package monitoring

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"math/big"
	"net/http"
	"sync"
	"text/template"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/params"
	"github.com/rs/zerolog"

	"github.com/CedrosPay/x402-demo/internal/config"
	"github.com/CedrosPay/x402-demo/internal/httputil"
	"github.com/CedrosPay/x402-demo/internal/logger"
	"github.com/CedrosPay/x402-demo/internal/metrics"
)

// realertAfter limits repeat alerts while the balance stays low.
const realertAfter = 24 * time.Hour

// GasSource is the settlement account being watched. *facilitator.ChainSubmitter satisfies it.
type GasSource interface {
	Address() common.Address
	Network() string
	GasBalance(ctx context.Context) (*big.Int, error)
}

// BalanceMonitor polls the settlement account's native balance and posts a
// webhook when it drops below the configured threshold.
type BalanceMonitor struct {
	cfg        config.MonitoringConfig
	source     GasSource
	metrics    *metrics.Metrics
	logger     zerolog.Logger
	httpClient *http.Client
	now        func() time.Time

	mu        sync.Mutex
	lastAlert time.Time

	stopOnce sync.Once
	stopCh   chan struct{}
	wg       sync.WaitGroup
}

// BalanceAlert is the data available to a custom body template.
type BalanceAlert struct {
	Wallet    string    `json:"wallet"`
	Network   string    `json:"network"`
	Balance   float64   `json:"balance"`
	Threshold float64   `json:"threshold"`
	Timestamp time.Time `json:"timestamp"`
}

// NewBalanceMonitor watches source. m may be nil.
func NewBalanceMonitor(cfg config.MonitoringConfig, source GasSource, m *metrics.Metrics, log zerolog.Logger) *BalanceMonitor {
	return &BalanceMonitor{
		cfg:        cfg,
		source:     source,
		metrics:    m,
		logger:     log,
		httpClient: httputil.NewClient(cfg.Timeout.Duration),
		now:        time.Now,
		stopCh:     make(chan struct{}),
	}
}

// Start begins polling. The first check runs immediately.
func (m *BalanceMonitor) Start(ctx context.Context) {
	if m.cfg.LowBalanceAlertURL == "" {
		m.logger.Info().Msg("balance_monitor.alerts_disabled_no_url")
	}

	m.logger.Info().
		Str("wallet", logger.TruncateAddress(m.source.Address().Hex())).
		Dur("check_interval", m.cfg.CheckInterval.Duration).
		Float64("threshold_eth", m.cfg.LowBalanceThreshold).
		Msg("balance_monitor.started")

	m.wg.Add(1)
	go m.loop(ctx)
}

// Close stops the polling loop. Safe to call more than once.
func (m *BalanceMonitor) Close() error {
	m.stopOnce.Do(func() {
		close(m.stopCh)
		m.wg.Wait()
		m.logger.Info().Msg("balance_monitor.stopped")
	})
	return nil
}

func (m *BalanceMonitor) loop(ctx context.Context) {
	defer m.wg.Done()

	ticker := time.NewTicker(m.cfg.CheckInterval.Duration)
	defer ticker.Stop()

	m.Check(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-m.stopCh:
			return
		case <-ticker.C:
			m.Check(ctx)
		}
	}
}

// Check reads the balance once, records it, and alerts if it is low.
func (m *BalanceMonitor) Check(ctx context.Context) {
	wallet := m.source.Address().Hex()
	network := m.source.Network()

	wei, err := m.source.GasBalance(ctx)
	if err != nil {
		m.logger.Error().
			Err(err).
			Str("wallet", logger.TruncateAddress(wallet)).
			Msg("balance_monitor.fetch_error")
		return
	}
	balance := WeiToEther(wei)

	if m.metrics != nil {
		m.metrics.ObserveGasBalance(network, wallet, balance)
	}
	m.logger.Debug().
		Str("wallet", logger.TruncateAddress(wallet)).
		Float64("balance_eth", balance).
		Msg("balance_monitor.balance_checked")

	if balance >= m.cfg.LowBalanceThreshold {
		m.mu.Lock()
		m.lastAlert = time.Time{}
		m.mu.Unlock()
		return
	}
	if m.cfg.LowBalanceAlertURL == "" || !m.shouldAlert() {
		return
	}

	alert := BalanceAlert{
		Wallet:    wallet,
		Network:   network,
		Balance:   balance,
		Threshold: m.cfg.LowBalanceThreshold,
		Timestamp: m.now().UTC(),
	}
	if err := m.sendAlert(ctx, alert); err != nil {
		m.logger.Warn().
			Err(err).
			Str("wallet", logger.TruncateAddress(wallet)).
			Msg("balance_monitor.alert_failed")
		return
	}

	m.mu.Lock()
	m.lastAlert = m.now()
	m.mu.Unlock()
	m.logger.Info().
		Str("wallet", logger.TruncateAddress(wallet)).
		Float64("balance_eth", balance).
		Msg("balance_monitor.alert_sent")
}

func (m *BalanceMonitor) shouldAlert() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastAlert.IsZero() || m.now().Sub(m.lastAlert) > realertAfter
}

func (m *BalanceMonitor) sendAlert(ctx context.Context, alert BalanceAlert) error {
	body, err := m.renderBody(alert)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, m.cfg.LowBalanceAlertURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for key, value := range m.cfg.Headers {
		req.Header.Set(key, value)
	}

	resp, err := m.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("post alert: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("alert webhook returned %d", resp.StatusCode)
	}
	return nil
}

// renderBody uses the configured template, or a Discord-style message.
func (m *BalanceMonitor) renderBody(alert BalanceAlert) ([]byte, error) {
	if m.cfg.BodyTemplate != "" {
		tmpl, err := template.New("alert").Parse(m.cfg.BodyTemplate)
		if err != nil {
			return nil, fmt.Errorf("parse template: %w", err)
		}
		var buf bytes.Buffer
		if err := tmpl.Execute(&buf, alert); err != nil {
			return nil, fmt.Errorf("execute template: %w", err)
		}
		return buf.Bytes(), nil
	}

	return json.Marshal(map[string]any{
		"content": fmt.Sprintf(
			"**Low gas balance**\n\nWallet: `%s` (%s)\nBalance: **%.6f ETH**\nThreshold: %.6f ETH\n\n"+
				"Top up the facilitator account to keep settling payments.",
			alert.Wallet, alert.Network, alert.Balance, alert.Threshold,
		),
	})
}

// WeiToEther converts wei to a float ether amount for display and alerting.
func WeiToEther(wei *big.Int) float64 {
	if wei == nil {
		return 0
	}
	eth, _ := new(big.Float).Quo(new(big.Float).SetInt(wei), big.NewFloat(params.Ether)).Float64()
	return eth
}
