package repl

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/duynguyendang/toolbridge/pkg/reader"
	"github.com/olekukonko/tablewriter"
)

const helpText = `Commands:
  :read <file>            print the text of a local document
  :upload <file|url>      copy a local file or download a URL into the sandbox
  :ask <task>             have the model write and run code for a task
  :crawl <url> [limit]    scrape a page and the pages it links to
  :map <url>              list the links on a page
  :index <file>...        index local documents for search
  :query [index] <text>   search the last (or given) index
  :history                show the cells run this session
  :help                   show this help`

func (r *REPL) command(ctx context.Context, line string) {
	name, arg, _ := strings.Cut(strings.TrimPrefix(line, ":"), " ")
	arg = strings.TrimSpace(arg)

	switch name {
	case "help":
		fmt.Fprintln(r.out, helpText)
	case "read":
		r.handleRead(arg)
	case "upload":
		r.handleUpload(ctx, arg)
	case "ask":
		r.handleAsk(ctx, arg)
	case "crawl":
		r.handleCrawl(ctx, arg)
	case "map":
		r.handleMap(ctx, arg)
	case "index":
		r.handleIndex(ctx, arg)
	case "query":
		r.handleQuery(ctx, arg)
	case "history":
		for i, cell := range r.session.History {
			fmt.Fprintf(r.out, "[%d] %s\n", i+1, cell)
		}
	default:
		fmt.Fprintf(r.out, "Unknown command :%s (try :help)\n", name)
	}
}

func (r *REPL) handleRead(arg string) {
	if arg == "" {
		fmt.Fprintln(r.out, "Usage: :read <file>")
		return
	}
	text, err := readLocal(arg)
	if err != nil {
		fmt.Fprintf(r.out, "Error: %v\n", err)
		return
	}
	fmt.Fprintln(r.out, text)
}

func readLocal(path string) (string, error) {
	name := filepath.Base(path)
	if _, _, err := reader.ForFilename(name); err != nil {
		var u *reader.UnsupportedError
		if errors.As(err, &u) && u.Hint() != "" {
			return "", fmt.Errorf("%w (%s)", err, u.Hint())
		}
		return "", err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	return reader.Read(name, data)
}

func (r *REPL) handleUpload(ctx context.Context, arg string) {
	if arg == "" {
		fmt.Fprintln(r.out, "Usage: :upload <file|url>")
		return
	}
	if r.services.Sandbox == nil {
		fmt.Fprintln(r.out, "Error: sandbox not configured")
		return
	}

	var (
		path string
		err  error
	)
	if strings.HasPrefix(arg, "http://") || strings.HasPrefix(arg, "https://") {
		path, err = r.services.Sandbox.UploadURL(ctx, arg)
	} else {
		var data []byte
		data, err = os.ReadFile(arg)
		if err == nil {
			path, err = r.services.Sandbox.UploadFile(ctx, filepath.Base(arg), data)
		}
	}
	if err != nil {
		fmt.Fprintf(r.out, "Error: %v\n", err)
		return
	}
	r.session.Uploaded = append(r.session.Uploaded, path)
	fmt.Fprintf(r.out, "Uploaded to %s\n", path)
}

func (r *REPL) handleAsk(ctx context.Context, task string) {
	if task == "" {
		fmt.Fprintln(r.out, "Usage: :ask <task>")
		return
	}
	if r.services.Assistant == nil {
		fmt.Fprintln(r.out, "Error: code assistant not configured")
		return
	}
	answer, err := r.services.Assistant.Run(ctx, task, r.session.Uploaded)
	if err != nil {
		fmt.Fprintf(r.out, "Error: %v\n", err)
		return
	}
	fmt.Fprintf(r.out, "--- Code ---\n%s\n------------\n", answer.Code)
	if answer.Execution.Error == nil {
		r.session.AddCell(answer.Code)
	}
	r.printExecution(answer.Execution)
}

func (r *REPL) handleCrawl(ctx context.Context, arg string) {
	fields := strings.Fields(arg)
	if len(fields) == 0 || len(fields) > 2 {
		fmt.Fprintln(r.out, "Usage: :crawl <url> [limit]")
		return
	}
	if r.services.Crawler == nil {
		fmt.Fprintln(r.out, "Error: crawler not configured")
		return
	}
	var requested *int
	if len(fields) == 2 {
		n, err := strconv.Atoi(fields[1])
		if err != nil {
			fmt.Fprintf(r.out, "Error: limit must be a number: %v\n", err)
			return
		}
		requested = &n
	}
	limit, err := r.services.Crawler.Limit(requested)
	if err != nil {
		fmt.Fprintf(r.out, "Error: %v\n", err)
		return
	}

	pages, err := r.services.Crawler.Crawl(ctx, fields[0], limit)
	if err != nil {
		fmt.Fprintf(r.out, "Error: %v\n", err)
		return
	}
	for i, page := range pages {
		fmt.Fprintf(r.out, "=== Page %d ===\n%s\n", i+1, page)
	}
}

func (r *REPL) handleMap(ctx context.Context, arg string) {
	if arg == "" {
		fmt.Fprintln(r.out, "Usage: :map <url>")
		return
	}
	if r.services.Crawler == nil {
		fmt.Fprintln(r.out, "Error: crawler not configured")
		return
	}
	links, err := r.services.Crawler.MapLinks(ctx, arg)
	if err != nil {
		fmt.Fprintf(r.out, "Error: %v\n", err)
		return
	}
	if len(links) == 0 {
		fmt.Fprintln(r.out, "[No links]")
		return
	}
	for _, link := range links {
		fmt.Fprintf(r.out, "- %s\n", link)
	}
}

func (r *REPL) handleIndex(ctx context.Context, arg string) {
	paths := strings.Fields(arg)
	if len(paths) == 0 {
		fmt.Fprintln(r.out, "Usage: :index <file>...")
		return
	}
	if r.services.Index == nil {
		fmt.Fprintln(r.out, "Error: search not configured")
		return
	}
	docs := make([]string, 0, len(paths))
	for _, p := range paths {
		text, err := readLocal(p)
		if err != nil {
			fmt.Fprintf(r.out, "Error: %s: %v\n", p, err)
			return
		}
		docs = append(docs, text)
	}

	handle, err := r.services.Index.BuildIndex(ctx, docs)
	if err != nil {
		fmt.Fprintf(r.out, "Error: %v\n", err)
		return
	}
	r.session.LastIndex = handle
	fmt.Fprintf(r.out, "Indexed %d documents as %s\n", len(docs), handle)
}

func (r *REPL) handleQuery(ctx context.Context, arg string) {
	if r.services.Index == nil {
		fmt.Fprintln(r.out, "Error: search not configured")
		return
	}
	index := r.session.LastIndex
	query := arg
	if first, rest, ok := strings.Cut(arg, " "); ok && strings.HasPrefix(first, "RAG_") {
		index, query = first, strings.TrimSpace(rest)
	}
	if index == "" || query == "" {
		fmt.Fprintln(r.out, "Usage: :query [index] <text> (run :index first)")
		return
	}

	hits, err := r.services.Index.Query(ctx, index, query, 0)
	if err != nil {
		fmt.Fprintf(r.out, "Error: %v\n", err)
		return
	}
	if len(hits) == 0 {
		fmt.Fprintln(r.out, "[No results]")
		return
	}
	table := tablewriter.NewWriter(r.out)
	table.SetHeader([]string{"Rank", "Score", "Text"})
	table.SetAutoWrapText(false)
	for i, h := range hits {
		table.Append([]string{strconv.Itoa(i + 1), strconv.FormatFloat(h.Score, 'f', 4, 64), snippet(h.Text, 80)})
	}
	table.Render()
}

func snippet(text string, n int) string {
	text = strings.Join(strings.Fields(text), " ")
	runes := []rune(text)
	if len(runes) <= n {
		return text
	}
	return string(runes[:n]) + "..."
}
