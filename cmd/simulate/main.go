package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand/v2"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"sort"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"
	_ "github.com/joho/godotenv/autoload"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

type options struct {
	baseURL     string
	orders      int
	concurrency int
	tamperRate  float64
	pollEvery   time.Duration
	timeout     time.Duration
}

type orderLine struct {
	ProductID int64 `json:"productId"`
	Quantity  int64 `json:"quantity"`
}

type statusView struct {
	OrderNo      string `json:"orderNo"`
	Status       string `json:"status"`
	Amount       *int64 `json:"amount"`
	ErrorMessage string `json:"errorMessage"`
}

type result struct {
	n       int
	orderNo string
	status  string
	detail  string
}

// settled are the statuses an order never leaves.
var settled = map[string]bool{
	"CONFIRMED": true, "CANCELED": true, "FAIL": true, "VALIDATION_FAILED": true,
	"DECREASE_STOCK_FAIL": true, "PAYMENT_PREPARE_FAIL": true, "PROCESSING_FAILED": true,
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	opts := options{}
	cmd := &cobra.Command{
		Use:   "simulate",
		Short: "Drive orders through the checkout saga over the REST API",
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), opts)
		},
	}
	cmd.Flags().StringVar(&opts.baseURL, "url", envOr("ORDER_API_URL", "http://localhost:8080"), "order service base URL")
	cmd.Flags().IntVarP(&opts.orders, "orders", "n", 20, "number of orders to place")
	cmd.Flags().IntVarP(&opts.concurrency, "concurrency", "c", 4, "orders in flight at once")
	cmd.Flags().Float64Var(&opts.tamperRate, "tamper-rate", 0.1, "share of confirms sent with a wrong amount")
	cmd.Flags().DurationVar(&opts.pollEvery, "poll", 200*time.Millisecond, "status poll interval")
	cmd.Flags().DurationVar(&opts.timeout, "timeout", 30*time.Second, "per-order deadline")

	if err := cmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func envOr(key, def string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return def
}

func run(ctx context.Context, opts options) error {
	c := &client{base: strings.TrimRight(opts.baseURL, "/"), http: &http.Client{Timeout: 10 * time.Second}}

	fmt.Printf("--- STARTING SIMULATION (%d ORDERS) ---\n", opts.orders)
	var (
		mu      sync.Mutex
		results []result
	)
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(opts.concurrency)
	for i := 1; i <= opts.orders; i++ {
		g.Go(func() error {
			res := simulateOrder(ctx, c, opts, i)
			mu.Lock()
			results = append(results, res)
			mu.Unlock()
			fmt.Printf("[%d] %s -> %s %s\n", res.n, res.orderNo, res.status, res.detail)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	sort.Slice(results, func(i, j int) bool { return results[i].n < results[j].n })
	counts := map[string]int{}
	for _, r := range results {
		counts[r.status]++
	}
	fmt.Println("---------------------------------------------------")
	statuses := make([]string, 0, len(counts))
	for s := range counts {
		statuses = append(statuses, s)
	}
	sort.Strings(statuses)
	for _, s := range statuses {
		fmt.Printf("%-22s %d\n", s, counts[s])
	}
	return nil
}

// simulateOrder walks one order through intake, confirm and the async tail.
func simulateOrder(ctx context.Context, c *client, opts options, n int) result {
	ctx, cancel := context.WithTimeout(ctx, opts.timeout)
	defer cancel()

	orderNo, err := c.placeOrder(ctx, randomLines())
	if err != nil {
		return result{n: n, status: "INTAKE_ERROR", detail: err.Error()}
	}

	view, err := c.waitFor(ctx, orderNo, opts.pollEvery, func(s string) bool { return s == "PREPARED" || settled[s] })
	if err != nil {
		return result{n: n, orderNo: orderNo, status: "TIMEOUT", detail: err.Error()}
	}
	if view.Status != "PREPARED" {
		return result{n: n, orderNo: orderNo, status: view.Status, detail: view.ErrorMessage}
	}

	price, err := c.price(ctx, orderNo)
	if err != nil {
		return result{n: n, orderNo: orderNo, status: "LOOKUP_ERROR", detail: err.Error()}
	}
	amount := price
	if rand.Float64() < opts.tamperRate {
		amount = price - 1000
	}
	ok, msg, err := c.confirm(ctx, orderNo, "sim_"+uuid.NewString(), amount)
	if err != nil {
		return result{n: n, orderNo: orderNo, status: "CONFIRM_ERROR", detail: err.Error()}
	}
	if !ok {
		return result{n: n, orderNo: orderNo, status: "CONFIRM_REJECTED", detail: msg}
	}

	view, err = c.waitFor(ctx, orderNo, opts.pollEvery, func(s string) bool { return settled[s] })
	if err != nil {
		return result{n: n, orderNo: orderNo, status: "TIMEOUT", detail: err.Error()}
	}
	detail := view.ErrorMessage
	if view.Amount != nil {
		detail = fmt.Sprintf("amount=%d", *view.Amount)
	}
	return result{n: n, orderNo: orderNo, status: view.Status, detail: detail}
}

// randomLines picks one to three distinct products from the seeded catalog.
// Product 5 is out of stock, so some orders fail validation.
func randomLines() []orderLine {
	ids := rand.Perm(5)[:1+rand.IntN(3)]
	lines := make([]orderLine, 0, len(ids))
	for _, id := range ids {
		lines = append(lines, orderLine{ProductID: int64(id + 1), Quantity: int64(1 + rand.IntN(2))})
	}
	return lines
}

type client struct {
	base string
	http *http.Client
}

func (c *client) do(ctx context.Context, method, path string, body, out any) (int, error) {
	var rd *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return 0, err
		}
		rd = bytes.NewReader(raw)
	} else {
		rd = bytes.NewReader(nil)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, rd)
	if err != nil {
		return 0, err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.http.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return resp.StatusCode, fmt.Errorf("decode %s %s: %w", method, path, err)
		}
	}
	return resp.StatusCode, nil
}

func (c *client) placeOrder(ctx context.Context, lines []orderLine) (string, error) {
	var out struct {
		OrderNo string `json:"orderNo"`
		Message string `json:"message"`
	}
	code, err := c.do(ctx, http.MethodPost, "/api/orders", map[string]any{
		"buyerId": 1 + rand.Int64N(100), "buyerName": "simulator", "method": "CARD", "items": lines,
	}, &out)
	if err != nil {
		return "", err
	}
	if code != http.StatusCreated {
		return "", fmt.Errorf("intake returned %d: %s", code, out.Message)
	}
	return out.OrderNo, nil
}

func (c *client) waitFor(ctx context.Context, orderNo string, every time.Duration, done func(string) bool) (statusView, error) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		var view statusView
		if _, err := c.do(ctx, http.MethodGet, "/api/orders/"+url.PathEscape(orderNo), nil, &view); err == nil && done(view.Status) {
			return view, nil
		}
		select {
		case <-ctx.Done():
			return statusView{}, fmt.Errorf("last status %q: %w", view.Status, ctx.Err())
		case <-ticker.C:
		}
	}
}

func (c *client) price(ctx context.Context, orderNo string) (int64, error) {
	var out struct {
		Orders []struct {
			OrderNo string `json:"orderNo"`
			Price   int64  `json:"price"`
		} `json:"orders"`
	}
	if _, err := c.do(ctx, http.MethodGet, "/api/orders?orderNo="+url.QueryEscape(orderNo), nil, &out); err != nil {
		return 0, err
	}
	for _, o := range out.Orders {
		if o.OrderNo == orderNo {
			return o.Price, nil
		}
	}
	return 0, errors.New("order not listed")
}

func (c *client) confirm(ctx context.Context, orderNo, paymentKey string, amount int64) (bool, string, error) {
	var out struct {
		Success bool   `json:"success"`
		Message string `json:"message"`
	}
	_, err := c.do(ctx, http.MethodPost, "/api/payments/confirm", map[string]any{
		"paymentKey": paymentKey, "orderId": orderNo, "amount": amount,
	}, &out)
	if err != nil {
		return false, "", err
	}
	return out.Success, out.Message, nil
}
