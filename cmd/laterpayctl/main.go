// laterpayctl is the operator CLI for the laterpay engine. It covers the
// day-to-day flows: recording approvals, waiting out due dates, executing
// payments (emergency path included), and inspecting ledger and balances.
package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"time"
)

type client struct {
	baseURL string
	token   string
	http    *http.Client
}

func main() {
	log.SetFlags(0)

	if len(os.Args) < 2 {
		usage()
		os.Exit(2)
	}

	c := &client{
		baseURL: envOr("LATERPAY_URL", "http://localhost:8080"),
		token:   os.Getenv("LATERPAY_TOKEN"),
		http:    &http.Client{Timeout: 30 * time.Second},
	}

	cmd, args := os.Args[1], os.Args[2:]
	var err error
	switch cmd {
	case "auth":
		err = c.auth(args)
	case "approve":
		err = c.approve(args)
	case "execute":
		err = c.execute(args, false)
	case "emergency-withdraw":
		err = c.execute(args, true)
	case "list":
		err = c.list(args)
	case "status":
		err = c.status(args)
	case "balance":
		err = c.balance(args)
	case "mint":
		err = c.mint(args)
	case "grant":
		err = c.grant(args)
	case "add-admin":
		err = c.setAdmin(args, true)
	case "remove-admin":
		err = c.setAdmin(args, false)
	default:
		usage()
		os.Exit(2)
	}
	if err != nil {
		log.Fatalf("Error: %v", err)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, `Usage: laterpayctl <command> [flags]

Commands:
  auth               -account <acct>                          issue a bearer token
  approve            -amount <amt> -due <RFC3339>             record an approval
  execute            -user <acct> -id <n> [-wait]             execute a payment
  emergency-withdraw -user <acct> -id <n>                     owner-only, skips due date
  list               -user <acct>                             list a user's approvals
  status             -user <acct> -id <n>                     readiness check
  balance            -account <acct>                          token balance
  mint               -account <acct> -amount <amt>            owner-only
  grant              -amount <amt> [-spender <acct>]          set engine allowance
  add-admin          -account <acct>                          owner-only
  remove-admin       -account <acct>                          owner-only

Environment: LATERPAY_URL (default http://localhost:8080), LATERPAY_TOKEN`)
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func (c *client) do(method, path string, body interface{}, out interface{}) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequest(method, c.baseURL+path, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	if resp.StatusCode >= 400 {
		var apiErr struct {
			Error string `json:"error"`
		}
		if json.Unmarshal(data, &apiErr) == nil && apiErr.Error != "" {
			return fmt.Errorf("%s (HTTP %d)", apiErr.Error, resp.StatusCode)
		}
		return fmt.Errorf("HTTP %d: %s", resp.StatusCode, data)
	}
	if out != nil {
		return json.Unmarshal(data, out)
	}
	return nil
}

func (c *client) auth(args []string) error {
	fs := flag.NewFlagSet("auth", flag.ExitOnError)
	account := fs.String("account", "", "account to authenticate as")
	fs.Parse(args)
	if *account == "" {
		return fmt.Errorf("-account is required")
	}

	var resp struct {
		Token string `json:"token"`
	}
	if err := c.do(http.MethodPost, "/auth/token", map[string]string{"account": *account}, &resp); err != nil {
		return err
	}
	fmt.Println(resp.Token)
	return nil
}

func (c *client) approve(args []string) error {
	fs := flag.NewFlagSet("approve", flag.ExitOnError)
	amount := fs.String("amount", "", "maximum settlement amount")
	due := fs.String("due", "", "due date, RFC3339")
	fs.Parse(args)
	if *amount == "" || *due == "" {
		return fmt.Errorf("-amount and -due are required")
	}
	dueDate, err := time.Parse(time.RFC3339, *due)
	if err != nil {
		return fmt.Errorf("invalid -due: %w", err)
	}

	var resp struct {
		ApprovalID int64 `json:"approval_id"`
	}
	err = c.do(http.MethodPost, "/api/v1/approvals", map[string]interface{}{
		"amount":   *amount,
		"due_date": dueDate,
	}, &resp)
	if err != nil {
		return err
	}
	log.Printf("Approval recorded: id=%d amount=%s due=%s", resp.ApprovalID, *amount, dueDate)
	return nil
}

func (c *client) execute(args []string, emergency bool) error {
	fs := flag.NewFlagSet("execute", flag.ExitOnError)
	user := fs.String("user", "", "approving user")
	id := fs.Int64("id", -1, "approval id")
	wait := fs.Bool("wait", false, "poll until the due date passes, then execute")
	fs.Parse(args)
	if *user == "" || *id < 0 {
		return fmt.Errorf("-user and -id are required")
	}

	if *wait && !emergency {
		if err := c.waitUntilReady(*user, *id); err != nil {
			return err
		}
	}

	path := fmt.Sprintf("/api/v1/users/%s/approvals/%d/execute", *user, *id)
	if emergency {
		path = fmt.Sprintf("/api/v1/users/%s/approvals/%d/emergency-withdraw", *user, *id)
	}

	var rec struct {
		Executed     bool   `json:"executed"`
		ActualAmount string `json:"actual_amount"`
		Amount       string `json:"amount"`
	}
	if err := c.do(http.MethodPost, path, nil, &rec); err != nil {
		return err
	}
	log.Printf("Payment executed: settled=%s (cap %s)", rec.ActualAmount, rec.Amount)
	return nil
}

// waitUntilReady polls the readiness check. Retry lives here, not in the
// engine: a pending due date is the caller's problem.
func (c *client) waitUntilReady(user string, id int64) error {
	for {
		var resp struct {
			Ready  bool   `json:"ready"`
			Reason string `json:"reason"`
		}
		path := fmt.Sprintf("/api/v1/users/%s/approvals/%d/can-execute", user, id)
		if err := c.do(http.MethodGet, path, nil, &resp); err != nil {
			return err
		}
		if resp.Ready {
			return nil
		}
		if resp.Reason != "due date not reached" {
			return fmt.Errorf("not executable: %s", resp.Reason)
		}
		log.Printf("Due date not reached, retrying in 5s...")
		time.Sleep(5 * time.Second)
	}
}

func (c *client) list(args []string) error {
	fs := flag.NewFlagSet("list", flag.ExitOnError)
	user := fs.String("user", "", "approving user")
	fs.Parse(args)
	if *user == "" {
		return fmt.Errorf("-user is required")
	}

	var resp struct {
		Approvals []struct {
			ID                int64     `json:"id"`
			Amount            string    `json:"amount"`
			ApprovedAt        time.Time `json:"approved_at"`
			DueDate           time.Time `json:"due_date"`
			Executed          bool      `json:"executed"`
			ExecutionAttempts int64     `json:"execution_attempts"`
			ActualAmount      string    `json:"actual_amount"`
		} `json:"approvals"`
	}
	if err := c.do(http.MethodGet, "/api/v1/users/"+*user+"/approvals", nil, &resp); err != nil {
		return err
	}

	if len(resp.Approvals) == 0 {
		log.Printf("No approvals for %s", *user)
		return nil
	}
	for _, a := range resp.Approvals {
		state := "pending"
		if a.Executed {
			state = "executed (" + a.ActualAmount + ")"
		}
		log.Printf("#%d amount=%s due=%s attempts=%d %s",
			a.ID, a.Amount, a.DueDate.Format(time.RFC3339), a.ExecutionAttempts, state)
	}
	return nil
}

func (c *client) status(args []string) error {
	fs := flag.NewFlagSet("status", flag.ExitOnError)
	user := fs.String("user", "", "approving user")
	id := fs.Int64("id", -1, "approval id")
	fs.Parse(args)
	if *user == "" || *id < 0 {
		return fmt.Errorf("-user and -id are required")
	}

	var resp struct {
		Ready  bool   `json:"ready"`
		Reason string `json:"reason"`
	}
	path := fmt.Sprintf("/api/v1/users/%s/approvals/%d/can-execute", *user, *id)
	if err := c.do(http.MethodGet, path, nil, &resp); err != nil {
		return err
	}
	if resp.Ready {
		log.Printf("Ready to execute")
	} else {
		log.Printf("Not executable: %s", resp.Reason)
	}
	return nil
}

func (c *client) balance(args []string) error {
	fs := flag.NewFlagSet("balance", flag.ExitOnError)
	account := fs.String("account", "", "token account")
	fs.Parse(args)
	if *account == "" {
		return fmt.Errorf("-account is required")
	}

	var resp struct {
		Balance string `json:"balance"`
	}
	if err := c.do(http.MethodGet, "/api/v1/token/balance/"+*account, nil, &resp); err != nil {
		return err
	}
	log.Printf("%s: %s", *account, resp.Balance)
	return nil
}

func (c *client) mint(args []string) error {
	fs := flag.NewFlagSet("mint", flag.ExitOnError)
	account := fs.String("account", "", "account to credit")
	amount := fs.String("amount", "", "amount")
	fs.Parse(args)
	if *account == "" || *amount == "" {
		return fmt.Errorf("-account and -amount are required")
	}

	err := c.do(http.MethodPost, "/api/v1/token/mint", map[string]string{
		"account": *account,
		"amount":  *amount,
	}, nil)
	if err != nil {
		return err
	}
	log.Printf("Minted %s to %s", *amount, *account)
	return nil
}

func (c *client) grant(args []string) error {
	fs := flag.NewFlagSet("grant", flag.ExitOnError)
	amount := fs.String("amount", "", "allowance amount")
	spender := fs.String("spender", "", "spender (defaults to the engine account)")
	fs.Parse(args)
	if *amount == "" {
		return fmt.Errorf("-amount is required")
	}

	err := c.do(http.MethodPost, "/api/v1/token/approve", map[string]string{
		"spender": *spender,
		"amount":  *amount,
	}, nil)
	if err != nil {
		return err
	}
	log.Printf("Allowance set to %s", *amount)
	return nil
}

func (c *client) setAdmin(args []string, add bool) error {
	fs := flag.NewFlagSet("admin", flag.ExitOnError)
	account := fs.String("account", "", "admin account")
	fs.Parse(args)
	if *account == "" {
		return fmt.Errorf("-account is required")
	}

	var err error
	if add {
		err = c.do(http.MethodPost, "/api/v1/admins", map[string]string{"account": *account}, nil)
	} else {
		err = c.do(http.MethodDelete, "/api/v1/admins/"+*account, nil, nil)
	}
	if err != nil {
		return err
	}
	if add {
		log.Printf("Added admin %s", *account)
	} else {
		log.Printf("Removed admin %s", *account)
	}
	return nil
}
