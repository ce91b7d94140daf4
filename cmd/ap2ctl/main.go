package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/agentpay/mandatelane/internal/validator"
	"github.com/agentpay/mandatelane/pkg/ap2"
	"github.com/agentpay/mandatelane/pkg/keyring"
)

const usage = "usage: ap2ctl keys generate --out <dir> | ap2ctl seed --server <url> | ap2ctl mandate verify --cart <path> [--payment <path>] --keys <dir> [--merchant <name>] [--offline]"

func main() {
	if len(os.Args) < 2 {
		failSummary("", "", usage)
		os.Exit(2)
	}
	switch os.Args[1] {
	case "keys":
		runKeys(os.Args[2:])
	case "seed":
		runSeed(os.Args[2:])
	case "mandate":
		runMandate(os.Args[2:])
	default:
		failSummary("", "", usage)
		os.Exit(2)
	}
}

func runKeys(args []string) {
	if len(args) < 1 || args[0] != "generate" {
		failSummary("", "", usage)
		os.Exit(2)
	}
	fs := flag.NewFlagSet("keys generate", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)
	out := fs.String("out", "keys", "directory to write PEM key pairs to")
	if err := fs.Parse(args[1:]); err != nil {
		failSummary("", "", err.Error())
		os.Exit(2)
	}

	kr, err := keyring.Generate()
	if err != nil {
		failSummary("", "", "key generation failed: "+err.Error())
		os.Exit(1)
	}
	if err := kr.SaveDir(*out); err != nil {
		failSummary("", "", "write keys failed: "+err.Error())
		os.Exit(1)
	}
	fmt.Printf("{\"status\":\"PASS\",\"keys_dir\":%s,\"timestamp_utc\":\"%s\"}\n",
		jsonQuote(*out), time.Now().UTC().Format(time.RFC3339))
}

func runSeed(args []string) {
	fs := flag.NewFlagSet("seed", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)
	server := fs.String("server", "http://localhost:8080", "commerce service base URL")
	if err := fs.Parse(args); err != nil {
		failSummary("", "", err.Error())
		os.Exit(2)
	}

	resp, err := http.Post(strings.TrimRight(*server, "/")+"/ap2/dev/seed-catalog", "application/json", strings.NewReader("{}"))
	if err != nil {
		failSummary("", "", "seed request failed: "+err.Error())
		os.Exit(1)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		failSummary("", "", fmt.Sprintf("seed request returned %d: %s", resp.StatusCode, body))
		os.Exit(1)
	}
	fmt.Printf("{\"status\":\"PASS\",\"server\":%s,\"timestamp_utc\":\"%s\"}\n",
		jsonQuote(*server), time.Now().UTC().Format(time.RFC3339))
}

func runMandate(args []string) {
	if len(args) < 1 || args[0] != "verify" {
		failSummary("", "", usage)
		os.Exit(2)
	}
	fs := flag.NewFlagSet("mandate verify", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)
	cartPath := fs.String("cart", "", "path to cart mandate json")
	paymentPath := fs.String("payment", "", "path to payment mandate json (optional)")
	keysDir := fs.String("keys", "", "directory holding the PEM key pairs")
	merchantName := fs.String("merchant", "", "expected merchant issuer")
	offline := fs.Bool("offline", false, "skip signature and expiry checks; hash-tamper checks still run")
	if err := fs.Parse(args[1:]); err != nil {
		failSummary("", "", err.Error())
		os.Exit(2)
	}
	if strings.TrimSpace(*cartPath) == "" || strings.TrimSpace(*keysDir) == "" {
		failSummary("", "", "both --cart and --keys are required")
		os.Exit(2)
	}

	kr, err := keyring.LoadDir(*keysDir)
	if err != nil {
		failSummary("", "", "load keys failed: "+err.Error())
		os.Exit(1)
	}

	var cm ap2.CartMandate
	if err := readJSONFile(*cartPath, &cm); err != nil {
		failSummary("", "", "read cart mandate failed: "+err.Error())
		os.Exit(1)
	}

	v := validator.New(kr.Merchant.Public, kr.User.Public, strings.TrimSpace(*merchantName))
	claims, err := v.ValidateMerchantSignature(cm, !*offline)
	if err != nil {
		failSummary(cm.Contents.ID, "", err.Error())
		os.Exit(1)
	}

	paymentID := ""
	if strings.TrimSpace(*paymentPath) != "" {
		var pm ap2.PaymentMandate
		if err := readJSONFile(*paymentPath, &pm); err != nil {
			failSummary(cm.Contents.ID, "", "read payment mandate failed: "+err.Error())
			os.Exit(1)
		}
		if _, err := v.ValidateUserAuthorization(pm, cm, !*offline); err != nil {
			failSummary(cm.Contents.ID, pm.Contents.PaymentMandateID, err.Error())
			os.Exit(1)
		}
		paymentID = pm.Contents.PaymentMandateID
	}

	fmt.Printf("{\"status\":\"PASS\",\"cart_id\":%s,\"payment_mandate_id\":%s,\"merchant\":%s,\"timestamp_utc\":\"%s\"}\n",
		jsonQuote(cm.Contents.ID), jsonQuote(paymentID), jsonQuote(claims.Merchant),
		time.Now().UTC().Format(time.RFC3339))
}

func readJSONFile(path string, v any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, v)
}

func failSummary(cartID, paymentID, reason string) {
	fmt.Printf("{\"status\":\"FAIL\",\"cart_id\":%s,\"payment_mandate_id\":%s,\"reason\":%s,\"timestamp_utc\":\"%s\"}\n",
		jsonQuote(cartID), jsonQuote(paymentID), jsonQuote(reason),
		time.Now().UTC().Format(time.RFC3339))
}

func jsonQuote(s string) string {
	b, _ := json.Marshal(s)
	return string(b)
}
