package common

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/ducminhle1904/trade-guard/pkg/types"
)

// FeedError describes an order feed line that could not be decoded
type FeedError struct {
	Line int
	Err  error
}

func (e FeedError) Error() string {
	return fmt.Sprintf("order feed line %d: %v", e.Line, e.Err)
}

// ReadOrders reads a JSONL order feed. Blank lines and lines starting with # are
// skipped. Undecodable lines are returned as FeedErrors and left out of the orders.
// Orders without a client order id get a fresh one.
func ReadOrders(path string) ([]types.Order, []FeedError, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open order feed: %w", err)
	}
	defer f.Close()

	var (
		orders  []types.Order
		invalid []FeedError
	)
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	line := 0
	for scanner.Scan() {
		line++
		text := strings.TrimSpace(scanner.Text())
		if text == "" || strings.HasPrefix(text, "#") {
			continue
		}
		var order types.Order
		if err := json.Unmarshal([]byte(text), &order); err != nil {
			invalid = append(invalid, FeedError{Line: line, Err: err})
			continue
		}
		if order.ClientOrderID == "" {
			order.ClientOrderID = types.NewClientOrderID()
		}
		orders = append(orders, order)
	}
	if err := scanner.Err(); err != nil {
		return nil, nil, fmt.Errorf("failed to read order feed: %w", err)
	}
	return orders, invalid, nil
}

// Batches splits orders into consecutive batches of at most size orders
func Batches(orders []types.Order, size int) [][]types.Order {
	if size <= 0 {
		size = 1
	}
	var out [][]types.Order
	for start := 0; start < len(orders); start += size {
		end := start + size
		if end > len(orders) {
			end = len(orders)
		}
		out = append(out, orders[start:end])
	}
	return out
}
