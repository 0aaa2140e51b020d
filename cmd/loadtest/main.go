package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"math"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shopspring/decimal"

	"github.com/vladislavdragonenkov/storefront-orders/internal/version"
)

const (
	defaultUnitPrice = "10.50"
	defaultQuantity  = 1
	maxResponseBody  = 1 << 20
)

type loadMode string

const (
	modeCreate           loadMode = "create"
	modeCreatePay        loadMode = "create-pay"
	modeCreatePayUpdate loadMode = "create-pay-update"
)

type config struct {
	addr        string
	total       int
	totalSet    bool
	duration    time.Duration
	concurrency int
	connections int
	timeout     time.Duration
	mode        loadMode
	updateRate  int
	inventoryID string
	unitPrice   decimal.Decimal
	quantity    int
	userTag     string
	address     string
	outputPath  string
}

type latencySummary struct {
	Min float64 `json:"min"`
	Max float64 `json:"max"`
	Avg float64 `json:"avg"`
	P50 float64 `json:"p50"`
	P95 float64 `json:"p95"`
	P99 float64 `json:"p99"`
}

type methodReport struct {
	Calls     int64            `json:"calls"`
	Success   int64            `json:"success"`
	Failed    int64            `json:"failed"`
	ErrorRate float64          `json:"error_rate"`
	Codes     map[string]int64 `json:"codes"`
	LatencyMs latencySummary   `json:"latency_ms"`
}

type report struct {
	StartedAt         time.Time               `json:"started_at"`
	DurationSeconds   float64                 `json:"duration_seconds"`
	TotalScenarios    int64                   `json:"total_scenarios"`
	SuccessScenarios  int64                   `json:"success_scenarios"`
	FailedScenarios   int64                   `json:"failed_scenarios"`
	ErrorRate         float64                 `json:"error_rate"`
	RPS               float64                 `json:"rps"`
	ScenarioLatencyMs latencySummary          `json:"scenario_latency_ms"`
	Methods           map[string]methodReport `json:"methods"`
}

type methodStats struct {
	calls     int64
	success   int64
	failed    int64
	codes     map[string]int64
	latencies []float64
}

type collector struct {
	mu      sync.Mutex
	methods map[string]*methodStats
}

func newCollector() *collector {
	return &collector{
		methods: make(map[string]*methodStats),
	}
}

// record учитывает один вызов. statusCode 0 означает сетевую ошибку без ответа.
func (c *collector) record(method string, latency time.Duration, statusCode int) {
	c.mu.Lock()
	defer c.mu.Unlock()

	stats, ok := c.methods[method]
	if !ok {
		stats = &methodStats{
			codes: make(map[string]int64),
		}
		c.methods[method] = stats
	}

	stats.calls++
	if isSuccessStatus(statusCode) {
		stats.success++
	} else {
		stats.failed++
	}
	stats.codes[statusLabel(statusCode)]++
	stats.latencies = append(stats.latencies, float64(latency.Microseconds())/1000.0)
}

func (c *collector) snapshot(name string) (methodReport, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	stats, ok := c.methods[name]
	if !ok {
		return methodReport{}, false
	}

	codesCopy := make(map[string]int64, len(stats.codes))
	for code, count := range stats.codes {
		codesCopy[code] = count
	}

	return methodReport{
		Calls:     stats.calls,
		Success:   stats.success,
		Failed:    stats.failed,
		ErrorRate: ratio(stats.failed, stats.calls),
		Codes:     codesCopy,
		LatencyMs: buildLatencySummary(stats.latencies),
	}, true
}

func (c *collector) buildReport(startedAt time.Time, duration time.Duration) report {
	c.mu.Lock()
	defer c.mu.Unlock()

	result := report{
		StartedAt:       startedAt.UTC(),
		DurationSeconds: duration.Seconds(),
		Methods:         make(map[string]methodReport, len(c.methods)),
	}

	scenarioStats := c.methods["scenario"]
	if scenarioStats != nil {
		result.TotalScenarios = scenarioStats.calls
		result.SuccessScenarios = scenarioStats.success
		result.FailedScenarios = scenarioStats.failed
		result.ErrorRate = ratio(scenarioStats.failed, scenarioStats.calls)
		result.ScenarioLatencyMs = buildLatencySummary(scenarioStats.latencies)
	}
	if duration > 0 {
		result.RPS = float64(result.TotalScenarios) / duration.Seconds()
	}

	for name, stats := range c.methods {
		codesCopy := make(map[string]int64, len(stats.codes))
		for code, count := range stats.codes {
			codesCopy[code] = count
		}
		result.Methods[name] = methodReport{
			Calls:     stats.calls,
			Success:   stats.success,
			Failed:    stats.failed,
			ErrorRate: ratio(stats.failed, stats.calls),
			Codes:     codesCopy,
			LatencyMs: buildLatencySummary(stats.latencies),
		}
	}

	return result
}

func parseConfig() (config, error) {
	var cfg config
	var modeValue string
	var timeoutValue string
	var durationValue string
	var unitPriceValue string

	flag.StringVar(&cfg.addr, "addr", "http://localhost:8080", "order service base URL")
	flag.IntVar(&cfg.total, "total", 400, "total scenarios to execute in count mode; in duration mode only used when explicitly set")
	flag.StringVar(&durationValue, "duration", "0s", "optional time-based run duration (e.g. 10m, 15m)")
	flag.IntVar(&cfg.concurrency, "concurrency", 40, "number of concurrent workers")
	flag.IntVar(&cfg.connections, "connections", 20, "max HTTP connections to the service")
	flag.StringVar(&timeoutValue, "timeout", "5s", "per-request timeout")
	flag.StringVar(&modeValue, "mode", string(modeCreate), "load mode: create | create-pay | create-pay-update")
	flag.IntVar(&cfg.updateRate, "update-rate", 0, "quantity update probability in percent for create-pay mode (0..100)")
	flag.StringVar(&cfg.inventoryID, "inventory-id", "SKU-LOAD", "inventory id of the order line")
	flag.StringVar(&unitPriceValue, "unit-price", defaultUnitPrice, "unit price of the order line")
	flag.IntVar(&cfg.quantity, "quantity", defaultQuantity, "quantity of the order line")
	flag.StringVar(&cfg.userTag, "user-tag", "load", "user id prefix")
	flag.StringVar(&cfg.address, "address", "Load street 1", "shipping address")
	flag.StringVar(&cfg.outputPath, "output", "", "optional JSON report output file path")
	flag.Parse()

	timeout, err := time.ParseDuration(strings.TrimSpace(timeoutValue))
	if err != nil {
		return cfg, fmt.Errorf("parse timeout: %w", err)
	}
	cfg.timeout = timeout

	duration, err := time.ParseDuration(strings.TrimSpace(durationValue))
	if err != nil {
		return cfg, fmt.Errorf("parse duration: %w", err)
	}
	cfg.duration = duration

	unitPrice, err := decimal.NewFromString(strings.TrimSpace(unitPriceValue))
	if err != nil {
		return cfg, fmt.Errorf("parse unit-price: %w", err)
	}
	cfg.unitPrice = unitPrice

	flag.CommandLine.Visit(func(f *flag.Flag) {
		if f.Name == "total" {
			cfg.totalSet = true
		}
	})

	mode, err := parseMode(modeValue)
	if err != nil {
		return cfg, err
	}
	cfg.mode = mode

	cfg.addr = strings.TrimRight(strings.TrimSpace(cfg.addr), "/")
	if _, err := url.ParseRequestURI(cfg.addr); err != nil {
		return cfg, fmt.Errorf("parse addr: %w", err)
	}
	if cfg.duration < 0 {
		return cfg, errors.New("duration must be >= 0")
	}
	if cfg.duration == 0 && cfg.total <= 0 {
		return cfg, errors.New("total must be > 0 when duration is not set")
	}
	if cfg.duration > 0 && cfg.totalSet && cfg.total <= 0 {
		return cfg, errors.New("total must be > 0 when explicitly set with duration")
	}
	if cfg.concurrency <= 0 {
		return cfg, errors.New("concurrency must be > 0")
	}
	if cfg.connections <= 0 {
		return cfg, errors.New("connections must be > 0")
	}
	if cfg.timeout <= 0 {
		return cfg, errors.New("timeout must be > 0")
	}
	if cfg.unitPrice.IsNegative() {
		return cfg, errors.New("unit-price must be >= 0")
	}
	if cfg.quantity <= 0 {
		return cfg, errors.New("quantity must be > 0")
	}
	if cfg.updateRate < 0 || cfg.updateRate > 100 {
		return cfg, errors.New("update-rate must be between 0 and 100")
	}
	if strings.TrimSpace(cfg.inventoryID) == "" {
		return cfg, errors.New("inventory-id is required")
	}
	if strings.TrimSpace(cfg.userTag) == "" {
		return cfg, errors.New("user-tag is required")
	}

	return cfg, nil
}

func parseMode(value string) (loadMode, error) {
	switch loadMode(strings.TrimSpace(value)) {
	case modeCreate:
		return modeCreate, nil
	case modeCreatePay:
		return modeCreatePay, nil
	case modeCreatePayUpdate:
		return modeCreatePayUpdate, nil
	default:
		return "", fmt.Errorf("unsupported mode: %s", value)
	}
}

// orderAPI описывает вызовы сервиса, которые использует сценарий нагрузки.
// Каждый вызов возвращает HTTP-статус, 0 при сетевой ошибке.
type orderAPI interface {
	CreateOrder(ctx context.Context, body createOrderBody) (string, int, error)
	MarkPaid(ctx context.Context, orderID string) (int, error)
	UpdateQuantity(ctx context.Context, orderID, inventoryID string, quantity int) (int, error)
}

type lineBody struct {
	InventoryID string          `json:"inventory_id"`
	Quantity    int             `json:"quantity"`
	UnitPrice   decimal.Decimal `json:"unit_price"`
}

type createOrderBody struct {
	UserID       string     `json:"user_id"`
	Products     []lineBody `json:"products"`
	PlaceAddress string     `json:"place_address"`
}

type apiResponse struct {
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
	Error   string          `json:"error"`
}

type httpOrderAPI struct {
	baseURL string
	client  *http.Client
}

func newHTTPOrderAPI(baseURL string, connections int) *httpOrderAPI {
	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.MaxConnsPerHost = connections
	transport.MaxIdleConnsPerHost = connections

	return &httpOrderAPI{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{Transport: transport},
	}
}

func (a *httpOrderAPI) CreateOrder(ctx context.Context, body createOrderBody) (string, int, error) {
	resp, statusCode, err := a.do(ctx, http.MethodPost, "/createorder", body)
	if err != nil {
		return "", statusCode, err
	}

	var created struct {
		ID string `json:"_id"`
	}
	if err := json.Unmarshal(resp.Data, &created); err != nil {
		return "", statusCode, fmt.Errorf("decode created order: %w", err)
	}
	return created.ID, statusCode, nil
}

func (a *httpOrderAPI) MarkPaid(ctx context.Context, orderID string) (int, error) {
	_, statusCode, err := a.do(ctx, http.MethodPut, "/update/"+url.PathEscape(orderID), map[string]bool{"ispayed": true})
	return statusCode, err
}

func (a *httpOrderAPI) UpdateQuantity(ctx context.Context, orderID, inventoryID string, quantity int) (int, error) {
	path := "/update/" + url.PathEscape(orderID) + "/product/" + url.PathEscape(inventoryID)
	_, statusCode, err := a.do(ctx, http.MethodPut, path, map[string]int{"quantity": quantity})
	return statusCode, err
}

func (a *httpOrderAPI) do(ctx context.Context, method, path string, body any) (apiResponse, int, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return apiResponse{}, 0, fmt.Errorf("encode request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, method, a.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return apiResponse{}, 0, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", version.UserAgent("storefront-loadtest"))

	resp, err := a.client.Do(req)
	if err != nil {
		return apiResponse{}, 0, err
	}
	defer resp.Body.Close()

	var decoded apiResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxResponseBody)).Decode(&decoded); err != nil {
		return apiResponse{}, resp.StatusCode, fmt.Errorf("decode response: %w", err)
	}
	if !isSuccessStatus(resp.StatusCode) {
		return decoded, resp.StatusCode, fmt.Errorf("%s %s: %d %s", method, path, resp.StatusCode, decoded.Error)
	}
	return decoded, resp.StatusCode, nil
}

func main() {
	cfg, err := parseConfig()
	if err != nil {
		_, _ = fmt.Fprintf(os.Stderr, "invalid config: %v\n", err)
		os.Exit(1)
	}

	api := newHTTPOrderAPI(cfg.addr, cfg.connections)

	startedAt := time.Now()
	runID := fmt.Sprintf("%d-%d", startedAt.UnixNano(), os.Getpid())
	col := newCollector()

	jobs := make(chan int, cfg.concurrency*2)
	var failures int64
	var wg sync.WaitGroup

	for workerID := 0; workerID < cfg.concurrency; workerID++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for id := range jobs {
				if runErr := runScenario(api, cfg, id, runID, col); runErr != nil {
					atomic.AddInt64(&failures, 1)
				}
			}
		}()
	}

	dispatchJobs(jobs, cfg)
	wg.Wait()

	duration := time.Since(startedAt)
	result := col.buildReport(startedAt, duration)
	if result.FailedScenarios == 0 && failures > 0 {
		result.FailedScenarios = failures
		result.ErrorRate = ratio(result.FailedScenarios, result.TotalScenarios)
	}

	printReport(result, cfg)
	if cfg.outputPath != "" {
		if err := writeJSONReport(cfg.outputPath, result); err != nil {
			_, _ = fmt.Fprintf(os.Stderr, "failed to write report: %v\n", err)
			os.Exit(1)
		}
	}

	if result.FailedScenarios > 0 {
		os.Exit(1)
	}
}

func dispatchJobs(jobs chan<- int, cfg config) {
	defer close(jobs)

	if cfg.duration <= 0 {
		for i := 0; i < cfg.total; i++ {
			jobs <- i
		}
		return
	}

	timer := time.NewTimer(cfg.duration)
	defer timer.Stop()

	for i := 0; ; i++ {
		if cfg.totalSet && i >= cfg.total {
			return
		}

		select {
		case <-timer.C:
			return
		case jobs <- i:
		}
	}
}

// runScenario создаёт заказ, затем по режиму отмечает оплату и меняет количество позиции.
func runScenario(api orderAPI, cfg config, index int, runID string, col *collector) error {
	scenarioStart := time.Now()
	scenarioStatus := http.StatusOK
	defer func() {
		col.record("scenario", time.Since(scenarioStart), scenarioStatus)
	}()

	body := createOrderBody{
		UserID: fmt.Sprintf("%s-%s-%d", cfg.userTag, runID, index),
		Products: []lineBody{{
			InventoryID: cfg.inventoryID,
			Quantity:    cfg.quantity,
			UnitPrice:   cfg.unitPrice,
		}},
		PlaceAddress: cfg.address,
	}

	orderID, statusCode, err := callCreateOrder(api, cfg.timeout, body, col)
	if err != nil {
		scenarioStatus = callStatus(statusCode, err)
		return err
	}
	if orderID == "" {
		scenarioStatus = http.StatusInternalServerError
		return errors.New("create response returned empty order id")
	}

	if cfg.mode == modeCreate {
		return nil
	}

	if statusCode, err := callMarkPaid(api, cfg.timeout, orderID, col); err != nil {
		scenarioStatus = callStatus(statusCode, err)
		return err
	}

	if cfg.mode == modeCreatePayUpdate || (cfg.mode == modeCreatePay && shouldUpdateScenario(index, cfg.updateRate)) {
		if statusCode, err := callUpdateQuantity(api, cfg.timeout, orderID, cfg.inventoryID, cfg.quantity+1, col); err != nil {
			scenarioStatus = callStatus(statusCode, err)
			return err
		}
	}

	return nil
}

func callCreateOrder(api orderAPI, timeout time.Duration, body createOrderBody, col *collector) (string, int, error) {
	start := time.Now()
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	orderID, statusCode, err := api.CreateOrder(ctx, body)
	col.record("CreateOrder", time.Since(start), callStatus(statusCode, err))
	return orderID, statusCode, err
}

func callMarkPaid(api orderAPI, timeout time.Duration, orderID string, col *collector) (int, error) {
	start := time.Now()
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	statusCode, err := api.MarkPaid(ctx, orderID)
	col.record("MarkPaid", time.Since(start), callStatus(statusCode, err))
	return statusCode, err
}

func callUpdateQuantity(api orderAPI, timeout time.Duration, orderID, inventoryID string, quantity int, col *collector) (int, error) {
	start := time.Now()
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	statusCode, err := api.UpdateQuantity(ctx, orderID, inventoryID, quantity)
	col.record("UpdateQuantity", time.Since(start), callStatus(statusCode, err))
	return statusCode, err
}

// callStatus не даёт ошибке декодирования при 2xx попасть в успешные вызовы.
func callStatus(statusCode int, err error) int {
	if err != nil && isSuccessStatus(statusCode) {
		return http.StatusInternalServerError
	}
	return statusCode
}

func isSuccessStatus(statusCode int) bool {
	return statusCode >= 200 && statusCode < 300
}

func statusLabel(statusCode int) string {
	if statusCode == 0 {
		return "transport_error"
	}
	return strconv.Itoa(statusCode)
}

func shouldUpdateScenario(index, updateRate int) bool {
	if updateRate <= 0 {
		return false
	}
	if updateRate >= 100 {
		return true
	}
	return index%100 < updateRate
}

func writeJSONReport(path string, result report) error {
	cleanPath := filepath.Clean(path)
	if cleanPath == "." || cleanPath == string(filepath.Separator) {
		return errors.New("output path must point to a file")
	}
	if cleanPath == ".." || strings.HasPrefix(cleanPath, ".."+string(filepath.Separator)) {
		return fmt.Errorf("output path must be inside current directory: %s", path)
	}

	// #nosec G304 -- path is an explicit CLI output parameter for local load-test reports.
	file, err := os.Create(cleanPath)
	if err != nil {
		return err
	}
	defer file.Close()

	encoder := json.NewEncoder(file)
	encoder.SetIndent("", "  ")
	return encoder.Encode(result)
}

func printReport(result report, cfg config) {
	fmt.Println("Load test summary")
	fmt.Printf("mode=%s run=%s total=%d success=%d failed=%d error_rate=%.4f\n",
		cfg.mode,
		runTarget(cfg),
		result.TotalScenarios,
		result.SuccessScenarios,
		result.FailedScenarios,
		result.ErrorRate,
	)
	fmt.Printf("duration=%.2fs rps=%.2f\n", result.DurationSeconds, result.RPS)
	fmt.Printf("scenario latency ms: min=%.2f avg=%.2f p50=%.2f p95=%.2f p99=%.2f max=%.2f\n",
		result.ScenarioLatencyMs.Min,
		result.ScenarioLatencyMs.Avg,
		result.ScenarioLatencyMs.P50,
		result.ScenarioLatencyMs.P95,
		result.ScenarioLatencyMs.P99,
		result.ScenarioLatencyMs.Max,
	)

	methodNames := make([]string, 0, len(result.Methods))
	for name := range result.Methods {
		if name == "scenario" {
			continue
		}
		methodNames = append(methodNames, name)
	}
	sort.Strings(methodNames)
	for _, name := range methodNames {
		stats := result.Methods[name]
		fmt.Printf(
			"%s: calls=%d success=%d failed=%d error_rate=%.4f p95=%.2fms\n",
			name,
			stats.Calls,
			stats.Success,
			stats.Failed,
			stats.ErrorRate,
			stats.LatencyMs.P95,
		)
	}
}

func runTarget(cfg config) string {
	if cfg.duration <= 0 {
		return fmt.Sprintf("count:%d", cfg.total)
	}
	if cfg.totalSet {
		return fmt.Sprintf("duration:%s,max-total:%d", cfg.duration, cfg.total)
	}
	return fmt.Sprintf("duration:%s", cfg.duration)
}

func buildLatencySummary(values []float64) latencySummary {
	if len(values) == 0 {
		return latencySummary{}
	}

	sorted := make([]float64, len(values))
	copy(sorted, values)
	sort.Float64s(sorted)

	var sum float64
	for _, value := range sorted {
		sum += value
	}

	return latencySummary{
		Min: sorted[0],
		Max: sorted[len(sorted)-1],
		Avg: sum / float64(len(sorted)),
		P50: percentile(sorted, 50),
		P95: percentile(sorted, 95),
		P99: percentile(sorted, 99),
	}
}

func percentile(sorted []float64, p float64) float64 {
	if len(sorted) == 0 {
		return 0
	}
	if len(sorted) == 1 {
		return sorted[0]
	}

	rank := (p / 100.0) * float64(len(sorted)-1)
	lower := int(math.Floor(rank))
	upper := int(math.Ceil(rank))
	if lower == upper {
		return sorted[lower]
	}

	weight := rank - float64(lower)
	return sorted[lower] + (sorted[upper]-sorted[lower])*weight
}

func ratio(failed, total int64) float64 {
	if total <= 0 {
		return 0
	}
	return float64(failed) / float64(total)
}
