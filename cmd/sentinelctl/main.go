package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
)

const defaultGateway = "http://localhost:8080"

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}

	cmd := os.Args[1]
	args := os.Args[2:]

	switch cmd {
	case "clause":
		runClauseCmd(args)
	case "policy":
		runPolicyCmd(args)
	case "proposal":
		runProposalCmd(args)
	case "audit":
		runAuditCmd(args)
	case "summary":
		runSummaryCmd(args)
	default:
		usage()
		os.Exit(1)
	}
}

func runClauseCmd(args []string) {
	if len(args) < 1 {
		usage()
		os.Exit(1)
	}
	switch args[0] {
	case "submit":
		fs := newFlagSet("clause submit")
		file := fs.String("file", "", "clause json file")
		regulation := fs.String("regulation", "", "regulation name")
		article := fs.String("article", "", "article reference")
		text := fs.String("text", "", "clause text")
		domain := fs.String("domain", "", "clause domain")
		riskTags := fs.String("risk-tags", "", "comma separated risk tags")
		fs.ParseArgs(args[1:])

		payload := map[string]any{}
		if *file != "" {
			loadJSON(*file, &payload)
		}
		if *regulation != "" {
			payload["regulation"] = *regulation
		}
		if *article != "" {
			payload["article"] = *article
		}
		if *text != "" {
			payload["text"] = *text
		}
		if *domain != "" {
			payload["domain"] = *domain
		}
		if *riskTags != "" {
			payload["risk_tags"] = strings.Split(*riskTags, ",")
		}
		out := fs.client().post("/api/v1/clauses", payload)
		printJSON(out)
	case "show":
		fs := newFlagSet("clause show")
		fs.ParseArgs(args[1:])
		if fs.NArg() < 1 {
			fail("clause id required")
		}
		printJSON(fs.client().get("/api/v1/clauses/" + fs.Arg(0)))
	default:
		usage()
		os.Exit(1)
	}
}

func runPolicyCmd(args []string) {
	if len(args) < 1 {
		usage()
		os.Exit(1)
	}
	switch args[0] {
	case "list":
		fs := newFlagSet("policy list")
		fs.ParseArgs(args[1:])
		printJSON(fs.client().get("/api/v1/policies"))
	case "show":
		fs := newFlagSet("policy show")
		fs.ParseArgs(args[1:])
		if fs.NArg() < 1 {
			fail("policy id required")
		}
		printJSON(fs.client().get("/api/v1/policies/" + fs.Arg(0)))
	case "versions":
		fs := newFlagSet("policy versions")
		fs.ParseArgs(args[1:])
		if fs.NArg() < 1 {
			fail("policy id required")
		}
		printJSON(fs.client().get("/api/v1/policies/" + fs.Arg(0) + "/versions"))
	default:
		usage()
		os.Exit(1)
	}
}

func runProposalCmd(args []string) {
	if len(args) < 1 {
		usage()
		os.Exit(1)
	}
	switch args[0] {
	case "list":
		fs := newFlagSet("proposal list")
		status := fs.String("status", "", "filter by status (PENDING, APPROVED, REJECTED, MODIFIED)")
		limit := fs.Int("limit", 0, "max proposals to return")
		fs.ParseArgs(args[1:])
		q := url.Values{}
		if *status != "" {
			q.Set("status", *status)
		}
		if *limit > 0 {
			q.Set("limit", fmt.Sprintf("%d", *limit))
		}
		path := "/api/v1/proposals"
		if len(q) > 0 {
			path += "?" + q.Encode()
		}
		printJSON(fs.client().get(path))
	case "show":
		fs := newFlagSet("proposal show")
		fs.ParseArgs(args[1:])
		if fs.NArg() < 1 {
			fail("proposal id required")
		}
		printJSON(fs.client().get("/api/v1/proposals/" + fs.Arg(0)))
	case "approve", "reject":
		fs := newFlagSet("proposal " + args[0])
		note := fs.String("note", "", "review note")
		fs.ParseArgs(args[1:])
		if fs.NArg() < 1 {
			fail("proposal id required")
		}
		out := fs.client().post("/api/v1/proposals/"+fs.Arg(0)+"/"+args[0], map[string]string{"note": *note})
		printJSON(out)
	case "modify":
		fs := newFlagSet("proposal modify")
		note := fs.String("note", "", "review note")
		textFile := fs.String("text-file", "", "file with replacement policy text")
		text := fs.String("text", "", "replacement policy text")
		fs.ParseArgs(args[1:])
		if fs.NArg() < 1 {
			fail("proposal id required")
		}
		replacement := *text
		if *textFile != "" {
			// #nosec G304 -- CLI explicitly reads local files provided by the operator.
			data, err := os.ReadFile(*textFile)
			check(err)
			replacement = string(data)
		}
		if strings.TrimSpace(replacement) == "" {
			fail("replacement text required (--text or --text-file)")
		}
		out := fs.client().post("/api/v1/proposals/"+fs.Arg(0)+"/modify", map[string]string{
			"note":          *note,
			"modified_text": replacement,
		})
		printJSON(out)
	default:
		usage()
		os.Exit(1)
	}
}

func runAuditCmd(args []string) {
	fs := newFlagSet("audit")
	policyID := fs.String("policy", "", "filter by policy id")
	proposalID := fs.String("proposal", "", "filter by proposal id")
	actor := fs.String("actor", "", "filter by actor")
	action := fs.String("action", "", "filter by action")
	sinceSeq := fs.Int64("since-seq", 0, "entries after this sequence number")
	limit := fs.Int("limit", 0, "max entries to return")
	fs.ParseArgs(args)

	q := url.Values{}
	if *policyID != "" {
		q.Set("policy_id", *policyID)
	}
	if *proposalID != "" {
		q.Set("proposal_id", *proposalID)
	}
	if *actor != "" {
		q.Set("actor", *actor)
	}
	if *action != "" {
		q.Set("action", *action)
	}
	if *sinceSeq > 0 {
		q.Set("since_seq", fmt.Sprintf("%d", *sinceSeq))
	}
	if *limit > 0 {
		q.Set("limit", fmt.Sprintf("%d", *limit))
	}
	path := "/api/v1/audit"
	if len(q) > 0 {
		path += "?" + q.Encode()
	}
	printJSON(fs.client().get(path))
}

func runSummaryCmd(args []string) {
	fs := newFlagSet("summary")
	fs.ParseArgs(args)
	printJSON(fs.client().get("/api/v1/summary"))
}

type flagSet struct {
	*flag.FlagSet
	gateway  *string
	apiKey   *string
	reviewer *string
}

func newFlagSet(name string) *flagSet {
	fs := flag.NewFlagSet(name, flag.ExitOnError)
	gateway := fs.String("gateway", envOr("SENTINEL_GATEWAY", defaultGateway), "gateway base url")
	apiKey := fs.String("api-key", envOr("SENTINEL_API_KEY", ""), "api key")
	reviewer := fs.String("reviewer", envOr("SENTINEL_REVIEWER", ""), "reviewer principal id")
	return &flagSet{FlagSet: fs, gateway: gateway, apiKey: apiKey, reviewer: reviewer}
}

func (fs *flagSet) ParseArgs(args []string) {
	if err := fs.Parse(args); err != nil {
		fail(err.Error())
	}
}

func (fs *flagSet) client() *apiClient {
	return &apiClient{
		base:     strings.TrimRight(*fs.gateway, "/"),
		apiKey:   *fs.apiKey,
		reviewer: *fs.reviewer,
	}
}

type apiClient struct {
	base     string
	apiKey   string
	reviewer string
}

func (c *apiClient) get(path string) any {
	return c.do(http.MethodGet, path, nil)
}

func (c *apiClient) post(path string, body any) any {
	return c.do(http.MethodPost, path, body)
}

func (c *apiClient) do(method, path string, body any) any {
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			fail(err.Error())
		}
	}
	req, err := http.NewRequest(method, c.base+path, &buf)
	check(err)
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("X-API-Key", c.apiKey)
	}
	if c.reviewer != "" {
		req.Header.Set("X-Principal-Id", c.reviewer)
	}
	resp, err := http.DefaultClient.Do(req)
	check(err)
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	check(err)
	if resp.StatusCode >= 300 {
		fail(fmt.Sprintf("%s %s: %s: %s", method, path, resp.Status, strings.TrimSpace(string(data))))
	}
	var out any
	if len(bytes.TrimSpace(data)) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, &out); err != nil {
		return string(data)
	}
	return out
}

func loadJSON(path string, out any) {
	// #nosec G304 -- CLI explicitly reads local files provided by the operator.
	data, err := os.ReadFile(path)
	check(err)
	if err := json.Unmarshal(data, out); err != nil {
		fail(fmt.Sprintf("invalid json: %v", err))
	}
}

func printJSON(value any) {
	data, err := json.MarshalIndent(value, "", "  ")
	check(err)
	fmt.Println(string(data))
}

func usage() {
	fmt.Print(`sentinelctl - regulatory governance CLI

Usage:
  sentinelctl clause submit [--file clause.json] [--regulation R] [--article A] [--text T] [--domain D] [--risk-tags a,b]
  sentinelctl clause show <clause_id>
  sentinelctl policy list
  sentinelctl policy show <policy_id>
  sentinelctl policy versions <policy_id>
  sentinelctl proposal list [--status PENDING] [--limit N]
  sentinelctl proposal show <proposal_id>
  sentinelctl proposal approve <proposal_id> [--note text]
  sentinelctl proposal reject <proposal_id> [--note text]
  sentinelctl proposal modify <proposal_id> (--text T | --text-file F) [--note text]
  sentinelctl audit [--policy id] [--proposal id] [--actor name] [--action ACTION] [--since-seq N] [--limit N]
  sentinelctl summary

Global flags:
  --gateway   Gateway base URL (default from SENTINEL_GATEWAY)
  --api-key   API key (default from SENTINEL_API_KEY)
  --reviewer  Principal id sent as X-Principal-Id (default from SENTINEL_REVIEWER)
`)
}

func envOr(key, fallback string) string {
	if val := strings.TrimSpace(os.Getenv(key)); val != "" {
		return val
	}
	return fallback
}

func check(err error) {
	if err != nil {
		fail(err.Error())
	}
}

func fail(msg string) {
	fmt.Fprintln(os.Stderr, msg)
	os.Exit(1)
}
