package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"sync"
	"time"
)

// Result 记录单次请求的 HTTP 结果，便于聚合统计。
type Result struct {
	Status int
	Reason string
	Err    error
}

func main() {
	baseURL := flag.String("base", "http://localhost:8080", "server base url")
	adminToken := flag.String("admin-token", "dev-admin-token", "admin token for product and dev token endpoints")

	// 名额竞争测试参数：200 个用户并发抢 5 个名额
	nUsers := flag.Int("users", 200, "distinct users")
	capacity := flag.Int("capacity", 5, "group required_count")
	concurrency := flag.Int("c", 50, "max concurrency")
	flag.Parse()

	client := &http.Client{Timeout: 5 * time.Second}
	admin := map[string]string{"X-Admin-Token": *adminToken}

	// 1) 准备：商品 + 团长令牌 + 团
	var prod struct {
		Data struct {
			ID string `json:"id"`
		} `json:"data"`
	}
	if err := doJSON(client, http.MethodPost, *baseURL+"/api/products", map[string]any{
		"title":       "loadtest product",
		"price":       10000,
		"group_price": 8000,
	}, admin, &prod); err != nil {
		fail("create product: %v", err)
	}
	leader, _, err := mintToken(client, *baseURL, admin)
	if err != nil {
		fail("mint leader token: %v", err)
	}
	var grp struct {
		Data struct {
			ID string `json:"id"`
		} `json:"data"`
	}
	if err := doJSON(client, http.MethodPost, *baseURL+"/api/groups", map[string]any{
		"product_id":     prod.Data.ID,
		"required_count": *capacity,
		"expires_at":     time.Now().Add(time.Hour).UTC().Format(time.RFC3339),
	}, bearer(leader), &grp); err != nil {
		fail("create group: %v", err)
	}
	groupID := grp.Data.ID
	fmt.Printf("group=%s capacity=%d\n", groupID, *capacity)

	// 2) 令牌先签好，避免把签发耗时算进并发窗口
	tokens := make([]string, *nUsers)
	for i := range tokens {
		tok, _, err := mintToken(client, *baseURL, admin)
		if err != nil {
			fail("mint user token: %v", err)
		}
		tokens[i] = tok
	}

	// 3) 不超员测试：不同 user 并发参团
	fmt.Printf("start join race: users=%d concurrency=%d\n", *nUsers, *concurrency)
	start := time.Now()
	results := runJoin(client, *baseURL, groupID, tokens, *concurrency)
	fmt.Printf("elapsed %s\n", time.Since(start).Round(time.Millisecond))
	printSummary("join_race", results)

	// 4) 校验最终计数
	var detail struct {
		Data struct {
			Group struct {
				CurrentCount  int    `json:"current_count"`
				RequiredCount int    `json:"required_count"`
				Status        string `json:"status"`
			} `json:"group"`
			Participants []json.RawMessage `json:"participants"`
		} `json:"data"`
	}
	if err := doJSON(client, http.MethodGet, *baseURL+"/api/groups/"+groupID, nil, nil, &detail); err != nil {
		fail("get group: %v", err)
	}
	g := detail.Data.Group
	want := min(*nUsers, *capacity)
	fmt.Printf("final current_count=%d participants=%d status=%s\n", g.CurrentCount, len(detail.Data.Participants), g.Status)
	ok := g.CurrentCount == want && len(detail.Data.Participants) == want
	if *nUsers >= *capacity && g.Status != "completed" {
		ok = false
	}
	successes := 0
	for _, r := range results {
		if r.Status == http.StatusOK {
			successes++
		}
	}
	if successes != want {
		ok = false
	}

	// 5) 重放：第一个成功者再次参团应得到 already_joined
	for i, r := range results {
		if r.Status != http.StatusOK {
			continue
		}
		replay := joinOnce(client, *baseURL, groupID, tokens[i])
		fmt.Printf("replay user #%d -> %d %s\n", i, replay.Status, replay.Reason)
		if replay.Reason != "already_joined" {
			ok = false
		}
		break
	}

	if !ok {
		fail("verification failed: expected %d members", want)
	}
	fmt.Println("verification ok")
}

func runJoin(client *http.Client, baseURL, groupID string, tokens []string, concurrency int) []Result {
	sem := make(chan struct{}, concurrency)
	var wg sync.WaitGroup
	results := make([]Result, len(tokens))

	for i := range tokens {
		wg.Add(1)
		sem <- struct{}{}
		go func(idx int) {
			defer wg.Done()
			defer func() { <-sem }()
			results[idx] = joinOnce(client, baseURL, groupID, tokens[idx])
		}(i)
	}

	wg.Wait()
	return results
}

func joinOnce(client *http.Client, baseURL, groupID, tok string) Result {
	url := fmt.Sprintf("%s/api/groups/%s/join", baseURL, groupID)
	req, _ := http.NewRequest(http.MethodPost, url, nil)
	req.Header.Set("Authorization", "Bearer "+tok)

	resp, err := client.Do(req)
	if err != nil {
		return Result{Err: err}
	}
	defer resp.Body.Close()
	var body struct {
		Reason string `json:"reason"`
	}
	_ = json.NewDecoder(resp.Body).Decode(&body)
	return Result{Status: resp.StatusCode, Reason: body.Reason}
}

// printSummary 聚合输出状态码与原因码分布。
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
	for _, code := range []int{200, 400, 401, 429, 500} {
		if count[code] > 0 {
			fmt.Printf("  %d -> %d\n", code, count[code])
		}
	}
	for reason, n := range reasons {
		fmt.Printf("  reason %s -> %d\n", reason, n)
	}
	if errCount > 0 {
		fmt.Printf("  errors -> %d\n", errCount)
	}
}

func mintToken(client *http.Client, baseURL string, admin map[string]string) (string, string, error) {
	var out struct {
		Data struct {
			UserID string `json:"user_id"`
			Token  string `json:"token"`
		} `json:"data"`
	}
	if err := doJSON(client, http.MethodPost, baseURL+"/api/dev/token", nil, admin, &out); err != nil {
		return "", "", err
	}
	return out.Data.Token, out.Data.UserID, nil
}

func bearer(tok string) map[string]string {
	return map[string]string{"Authorization": "Bearer " + tok}
}

// doJSON 发送请求（支持附加请求头），2xx 时把响应解码到 out。
func doJSON(client *http.Client, method, url string, body any, headers map[string]string, out any) error {
	var r io.Reader
	if body != nil {
		b, _ := json.Marshal(body)
		r = bytes.NewReader(b)
	}
	req, _ := http.NewRequest(method, url, r)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	b, _ := io.ReadAll(resp.Body)
	if resp.StatusCode >= 300 {
		return fmt.Errorf("status=%d body=%s", resp.StatusCode, string(b))
	}
	if out == nil {
		return nil
	}
	return json.Unmarshal(b, out)
}

func fail(format string, args ...any) {
	fmt.Fprintf(os.Stderr, format+"\n", args...)
	os.Exit(1)
}
