package main

import (
	"cmp"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/coregx/webserve/http1"
	"github.com/coregx/webserve/server"
	"github.com/coregx/webserve/websocket"
)

// counterSeed is the /dynamic page's starting count.
const counterSeed = 22

// clickCounter is the per-session state behind the /dynamic page.
type clickCounter struct {
	primed bool
	value  int
}

// registerRoutes wires the demo routes: the served log file, a document
// root listing, the /stats chat page, and the /dynamic click counter.
func registerRoutes(srv *server.Server, docRoot, logPath string) {
	srv.HandleHTTPRoute([]string{"/history.log"}, func(req *http1.Request) (server.RouteStatus, *http1.Response) {
		return server.DynamicResponse, historyResponse(req, logPath)
	}, true)

	srv.HandleHTTPRoute([]string{"/ls", "/dir"}, func(_ *http1.Request) (server.RouteStatus, *http1.Response) {
		resp := &http1.Response{Code: http1.StatusOK}
		resp.Headers.Set("Content-Type", "text/html")
		resp.SetBody(listingPage(docRoot))
		return server.DynamicResponse, resp
	}, true)

	srv.HandleResourceFrames([]string{"/stats"}, func(sess *server.Session, f *websocket.Frame) server.FrameStatus {
		if f.Opcode != websocket.OpcodeText {
			return server.FrameIgnored
		}
		chatMessage(srv, sess, string(f.Payload))
		return server.FrameProcessed
	}, true)

	srv.HandleResourceFrames([]string{"/dynamic"}, func(sess *server.Session, f *websocket.Frame) server.FrameStatus {
		if string(f.Payload) == "button_1_clicked" {
			counter := server.UserData[clickCounter](sess)
			if !counter.primed {
				counter.primed = true
				counter.value = counterSeed
			}
			counter.value++
			_ = sess.SendFrame(websocket.TextFrame(fmt.Sprintf("%d", counter.value)))
		}
		return server.FrameProcessed
	}, true)
}

// historyResponse serves the log file as text/plain. "?clear=true"
// truncates it first.
func historyResponse(req *http1.Request, logPath string) *http1.Response {
	resp := &http1.Response{Code: http1.StatusOK}
	resp.Headers.Set("Content-Type", "text/plain")

	if logPath == "" {
		resp.SetBody("logging to a file is disabled")
		return resp
	}

	if req.Query.Value("clear") == "true" {
		_ = os.WriteFile(logPath, nil, 0o644)
	}

	text, err := os.ReadFile(logPath)
	if err != nil {
		resp.SetBody("could not open " + filepath.Base(logPath))
		return resp
	}
	if len(text) == 0 {
		resp.SetBody("[Empty]")
		return resp
	}
	resp.Body = text
	return resp
}

// chatMessage implements the /stats chat commands: "/set_name <name>"
// renames the session, "/help" replies privately, anything else is
// rebroadcast to the page prefixed with the sender's name.
func chatMessage(srv *server.Server, sess *server.Session, payload string) {
	switch {
	case strings.HasPrefix(payload, "/set_name"):
		parts := strings.SplitN(payload, " ", 2)
		if len(parts) > 1 && parts[1] != "" {
			sess.Name = parts[1]
		}
	case strings.HasPrefix(payload, "/help"):
		_ = sess.SendFrame(websocket.TextFrame("/set_name [Name] --- Will set your public name."))
	default:
		_ = srv.SendAll(websocket.TextFrame(sess.Name+": "+payload), "/stats")
	}
}

// listingPage renders the document root's files as an HTML table sorted
// by size, descending.
func listingPage(docRoot string) string {
	var b strings.Builder
	b.WriteString(`<!DOCTYPE html>
<html lang="en-US">
<head>
<title>List of Files</title>
<style>
tr:nth-child(even) {background-color: #f2f2f2;}
tr:hover {background-color: coral;}
table { margin-left: auto; margin-right: auto; border: 2px solid; border-radius: 6px; }
td { padding: 5px; }
a:hover, a:visited { color:blue }
</style>
</head>
<body>
<table>
<thead>
<tr><th></th><th style="min-width: 250px">File Name</th><th style="min-width: 150px">File Size</th></tr>
</thead>
`)

	type fileEntry struct {
		name string
		size int64
	}
	var files []fileEntry
	entries, err := os.ReadDir(docRoot)
	if err == nil {
		for _, entry := range entries {
			info, err := entry.Info()
			if err != nil || !info.Mode().IsRegular() {
				continue
			}
			files = append(files, fileEntry{name: entry.Name(), size: info.Size()})
		}
	}
	slices.SortFunc(files, func(a, b fileEntry) int {
		return cmp.Compare(b.size, a.size)
	})

	for i, f := range files {
		fmt.Fprintf(&b,
			"<tr><td>%d</td><td style=\"padding: 0.5em\"><a href='/%s'>%s</a></td><td style='text-align: center'>%s</td></tr>\n",
			i+1, f.name, f.name, friendlySize(f.size))
	}

	b.WriteString("</table></body></html>")
	return b.String()
}

// friendlySize renders a byte count with a binary unit suffix.
func friendlySize(n int64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%d B", n)
	}
	div, exp := int64(unit), 0
	for m := n / unit; m >= unit; m /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %ciB", float64(n)/float64(div), "KMGTPE"[exp])
}
