package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"sync"
	"time"
)

// Result 记录单次请求的 HTTP 结果，便于聚合统计。
type Result struct {
	Status  int
	Reason  string
	OrderID string
	Err     error
}

func main() {
	baseURL := flag.String("base", "http://localhost:8080", "server base url")
	productID := flag.Int("product", 1, "product id")
	preload := flag.Bool("preload", true, "call preload before test")
	adminToken := flag.String("admin-token", "dev-admin-token", "admin token for preload endpoint")
	userHeader := flag.String("user-header", "X-User-ID", "trusted user identity header")
	settleWait := flag.Duration("settle-wait", 3*time.Second, "time to wait for settlement before checking orders")

	// 超卖测试参数：200 个用户并发抢
	nUsers := flag.Int("users", 200, "distinct users")
	concurrency := flag.Int("c", 50, "max concurrency")
	flag.Parse()

	client := &http.Client{Timeout: 5 * time.Second}
	lt := &loadTester{client: client, base: *baseURL, product: *productID, userHeader: *userHeader}

	if *preload {
		// 先按 quantity - 已售 重建令牌池
		if err := lt.doPOST(fmt.Sprintf("/api/flash_sale/preload/%d", *productID), map[string]string{
			"X-Admin-Token": *adminToken,
		}); err != nil {
			panic(fmt.Sprintf("preload failed: %v", err))
		}
		fmt.Println("preload ok")
	}

	before, err := lt.saleStatus()
	if err != nil {
		panic(fmt.Sprintf("sale status failed: %v", err))
	}
	fmt.Printf("sale status=%s remaining=%d quantity=%d\n", before.Status, before.RemainingStock, before.Sale.Quantity)

	// 1) 不超卖测试：不同 user 并发
	fmt.Printf("start oversell test: product=%d users=%d concurrency=%d\n", *productID, *nUsers, *concurrency)
	userIDs := make([]int64, *nUsers)
	for i := range userIDs {
		userIDs[i] = int64(i + 1)
	}
	results := lt.run(userIDs, *concurrency)
	printSummary("oversell", results)

	accepted := 0
	for _, r := range results {
		if r.Status == http.StatusOK {
			accepted++
		}
	}
	if int64(accepted) > before.RemainingStock {
		fmt.Printf("!! OVERSELL: accepted=%d remaining_before=%d\n", accepted, before.RemainingStock)
	}

	after, err := lt.saleStatus()
	if err != nil {
		fmt.Println("stock check err:", err)
	} else {
		fmt.Println("final remaining stock:", after.RemainingStock)
	}

	// 2) 一人一单：同一个 user 并发重复抢
	fmt.Println("\nstart duplicate test: same user (10001), 50 requests, concurrency 50")
	same := make([]int64, 50)
	for i := range same {
		same[i] = 10001
	}
	results2 := lt.run(same, 50)
	printSummary("duplicate", results2)

	// 3) 等待结算后核对订单状态
	time.Sleep(*settleWait)
	status := map[string]int{}
	for _, uid := range userIDs {
		s, err := lt.orderStatus(uid)
		if err != nil {
			status["error"]++
			continue
		}
		status[s]++
	}
	fmt.Printf("\norder status after %s: %v\n", *settleWait, status)
	if status["completed"]+status["pending"] != accepted {
		fmt.Printf("!! MISMATCH: accepted=%d completed+pending=%d\n", accepted, status["completed"]+status["pending"])
	}
}

type loadTester struct {
	client     *http.Client
	base       string
	product    int
	userHeader string
}

func (lt *loadTester) run(userIDs []int64, concurrency int) []Result {
	sem := make(chan struct{}, concurrency)
	var wg sync.WaitGroup
	results := make([]Result, len(userIDs))

	for i, uid := range userIDs {
		wg.Add(1)
		sem <- struct{}{}
		go func(idx int, uid int64) {
			defer wg.Done()
			defer func() { <-sem }()
			results[idx] = lt.buyOnce(uid)
		}(i, uid)
	}

	wg.Wait()
	return results
}

func (lt *loadTester) buyOnce(userID int64) Result {
	b, _ := json.Marshal(map[string]any{"product_id": lt.product, "quantity": 1})
	req, _ := http.NewRequest(http.MethodPost, lt.base+"/api/flash_sale/buy", bytes.NewReader(b))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(lt.userHeader, strconv.FormatInt(userID, 10))

	resp, err := lt.client.Do(req)
	if err != nil {
		return Result{Err: err}
	}
	defer resp.Body.Close()

	var out struct {
		Reason string `json:"reason"`
		Data   struct {
			OrderID string `json:"order_id"`
		} `json:"data"`
	}
	body, _ := io.ReadAll(resp.Body)
	_ = json.Unmarshal(body, &out)
	return Result{Status: resp.StatusCode, Reason: out.Reason, OrderID: out.Data.OrderID}
}

type saleView struct {
	Status         string `json:"status"`
	RemainingStock int64  `json:"remaining_stock"`
	Sale           struct {
		Quantity int64 `json:"quantity"`
	} `json:"sale"`
}

// saleStatus 查询活动状态与令牌池剩余量，用于压测后校验是否出现超卖。
func (lt *loadTester) saleStatus() (saleView, error) {
	var out struct {
		Data saleView `json:"data"`
	}
	err := lt.getJSON(fmt.Sprintf("/api/flash_sale/status/%d", lt.product), nil, &out)
	return out.Data, err
}

func (lt *loadTester) orderStatus(userID int64) (string, error) {
	var out struct {
		Data struct {
			Status string `json:"status"`
		} `json:"data"`
	}
	err := lt.getJSON(fmt.Sprintf("/api/flash_sale/order/%d", lt.product),
		map[string]string{lt.userHeader: strconv.FormatInt(userID, 10)}, &out)
	return out.Data.Status, err
}

func (lt *loadTester) getJSON(path string, headers map[string]string, v any) error {
	req, _ := http.NewRequest(http.MethodGet, lt.base+path, nil)
	for k, val := range headers {
		req.Header.Set(k, val)
	}
	resp, err := lt.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	b, _ := io.ReadAll(resp.Body)
	if resp.StatusCode >= 300 {
		return fmt.Errorf("status=%d body=%s", resp.StatusCode, string(b))
	}
	return json.Unmarshal(b, v)
}

// doPOST 发送无 body 的 POST 请求（支持附加请求头）。
func (lt *loadTester) doPOST(path string, headers map[string]string) error {
	req, _ := http.NewRequest(http.MethodPost, lt.base+path, nil)
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := lt.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("status=%d body=%s", resp.StatusCode, string(b))
	}
	return nil
}

// printSummary 聚合输出不同状态码与 reason 分布。
func printSummary(name string, results []Result) {
	count := map[int]int{}
	reasons := map[string]int{}
	errCount := 0
	for _, r := range results {
		if r.Err != nil {
			errCount++
			continue
		}
		count[r.Status]++
		if r.Reason != "" {
			reasons[r.Reason]++
		}
	}
	fmt.Printf("[%s] http status summary:\n", name)
	for _, code := range []int{200, 400, 401, 404, 409, 429, 500, 503} {
		if count[code] > 0 {
			fmt.Printf("  %d -> %d\n", code, count[code])
		}
	}
	for r, n := range reasons {
		fmt.Printf("  reason %s -> %d\n", r, n)
	}
	if errCount > 0 {
		fmt.Printf("  errors -> %d\n", errCount)
	}
}
