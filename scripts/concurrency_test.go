//go:build ignore
// +build ignore

// Package main provides a manual concurrency stress test for the Smart Borrow API.
//
// Usage:
//
//	go run ./scripts/concurrency_test.go <item_id> <students>
//
// Or use the convenience environment variables:
//
//	ITEM_ID=I02  STUDENTS=20  ADMIN_PASSWORD=admin  go run ./scripts/concurrency_test.go
//
// What it does:
//  1. Registers N throwaway students and has each submit a NEW_BORROW for the same item.
//  2. Fires all N approvals simultaneously as the admin.
//  3. Prints how many were approved vs. rejected as out of stock, and checks that
//     approvals never exceed the units that were available.
//
// Prerequisites:
//   - Server must be running (`smartborrow serve`), seeded with `smartborrow seed`.
//   - The configured card year must accept the generated "67..." student ids (the default does).
//   - Run several server replicas with SMARTBORROW_REDIS_ADDR set to exercise the Redis lock.

package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"strconv"
	"sync"
	"time"
)

const defaultServerAddr = "http://localhost:8080"

type approveResult struct {
	StudentID  string
	StatusCode int
}

type item struct {
	ID           string `json:"id"`
	AvailableQty int    `json:"available_qty"`
}

var client = &http.Client{Timeout: 10 * time.Second}

func main() {
	serverAddr := os.Getenv("SERVER_ADDR")
	if serverAddr == "" {
		serverAddr = defaultServerAddr
	}
	adminPassword := os.Getenv("ADMIN_PASSWORD")
	if adminPassword == "" {
		adminPassword = "admin"
	}

	itemID := os.Getenv("ITEM_ID")
	students, _ := strconv.Atoi(os.Getenv("STUDENTS"))

	// Support positional args: script <item_id> [students]
	args := os.Args[1:]
	if len(args) >= 1 {
		itemID = args[0]
	}
	if len(args) >= 2 {
		students, _ = strconv.Atoi(args[1])
	}
	if itemID == "" || students < 1 {
		log.Fatal("Usage: ITEM_ID=<id> STUDENTS=<n> go run ./scripts/concurrency_test.go\n" +
			"  or: go run ./scripts/concurrency_test.go <item_id> <students>")
	}

	fmt.Printf("=== Smart Borrow Concurrency Test ===\n")
	fmt.Printf("Server   : %s\n", serverAddr)
	fmt.Printf("Item     : %s\n", itemID)
	fmt.Printf("Students : %d\n\n", students)

	adminToken := login(serverAddr, "admin", adminPassword)
	before := availability(serverAddr, itemID)
	fmt.Printf("Available before: %d\n", before)

	// Every student needs a pending request before the race starts.
	runID := time.Now().UnixNano() % 1000
	requestIDs := make(map[string]string, students)
	for i := 0; i < students; i++ {
		studentID := fmt.Sprintf("67%03d%03d", runID, i)
		token := register(serverAddr, studentID)
		var req struct {
			ID string `json:"id"`
		}
		status := call(serverAddr, http.MethodPost, "/items/"+itemID+"/requests", token,
			map[string]any{"kind": "NEW_BORROW"}, &req)
		if status != http.StatusCreated {
			// Out of stock at submit time still leaves earlier requests in the race.
			fmt.Printf("  [SKIP] student=%s submit status=%d\n", studentID, status)
			continue
		}
		requestIDs[studentID] = req.ID
	}

	results := make([]approveResult, 0, len(requestIDs))
	var (
		mu sync.Mutex
		wg sync.WaitGroup
	)

	// Fire all goroutines simultaneously using a barrier.
	start := make(chan struct{})
	for studentID, requestID := range requestIDs {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			status := call(serverAddr, http.MethodPost, "/requests/"+requestID+"/approve", adminToken, nil, nil)
			mu.Lock()
			results = append(results, approveResult{StudentID: studentID, StatusCode: status})
			mu.Unlock()
		}()
	}

	fmt.Println("Firing all approvals simultaneously...")
	close(start)
	wg.Wait()
	fmt.Println("All approvals completed.")

	var approved, outOfStock, failures int
	for _, r := range results {
		switch r.StatusCode {
		case http.StatusOK:
			approved++
			fmt.Printf("  [ OK ] student=%s\n", r.StudentID)
		case http.StatusConflict:
			outOfStock++
			fmt.Printf("  [FULL] student=%s\n", r.StudentID)
		default:
			failures++
			fmt.Printf("  [FAIL] student=%s status=%d\n", r.StudentID, r.StatusCode)
		}
	}

	after := availability(serverAddr, itemID)
	fmt.Printf("\n--- Summary ---\n")
	fmt.Printf("Approved     : %d\n", approved)
	fmt.Printf("Out of stock : %d\n", outOfStock)
	fmt.Printf("Failures     : %d\n", failures)
	fmt.Printf("Available    : %d -> %d\n\n", before, after)

	fmt.Println("--- Invariant Check ---")
	ok := approved <= before && after == before-approved && after >= 0
	if !ok {
		fmt.Println("[BROKEN] approvals and availability do not add up")
		os.Exit(1)
	}
	fmt.Println("[OK] every approval took exactly one available unit")
	if failures > 0 {
		fmt.Printf("\n[WARNING] %d request(s) failed; check server logs for details.\n", failures)
		os.Exit(1)
	}
}

func login(serverAddr, id, password string) string {
	var resp struct {
		Token string `json:"token"`
	}
	status := call(serverAddr, http.MethodPost, "/auth/login", "", map[string]any{"id": id, "password": password}, &resp)
	if status != http.StatusOK {
		log.Fatalf("login %s: status %d", id, status)
	}
	return resp.Token
}

func register(serverAddr, id string) string {
	status := call(serverAddr, http.MethodPost, "/auth/register", "", map[string]any{
		"card_type":  "STUDENT_CARD",
		"id":         id,
		"name":       "Load " + id,
		"birth_year": 2005,
		"password":   "load-test",
	}, nil)
	if status != http.StatusCreated {
		log.Fatalf("register %s: status %d", id, status)
	}
	return login(serverAddr, id, "load-test")
}

func availability(serverAddr, itemID string) int {
	var items []item
	if status := call(serverAddr, http.MethodGet, "/items", "", nil, &items); status != http.StatusOK {
		log.Fatalf("list items: status %d", status)
	}
	for _, it := range items {
		if it.ID == itemID {
			return it.AvailableQty
		}
	}
	log.Fatalf("item %s not found", itemID)
	return 0
}

// call sends a JSON request and decodes the response into out when non-nil.
// Transport errors are fatal; the HTTP status is returned.
func call(serverAddr, method, path, token string, body, out any) int {
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			log.Fatal(err)
		}
	}
	req, err := http.NewRequest(method, serverAddr+path, &buf)
	if err != nil {
		log.Fatal(err)
	}
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := client.Do(req)
	if err != nil {
		log.Fatalf("%s %s: %v", method, path, err)
	}
	defer resp.Body.Close()

	raw, _ := io.ReadAll(resp.Body)
	if out != nil && resp.StatusCode < 300 {
		if err := json.Unmarshal(raw, out); err != nil {
			log.Fatalf("%s %s: bad JSON: %s", method, path, raw)
		}
	}
	return resp.StatusCode
}
