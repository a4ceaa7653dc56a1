// hoshiyomi-ctl is a thin operator client for the daemon's HTTP API.
//
//	hoshiyomi-ctl stages
//	hoshiyomi-ctl start classify
//	hoshiyomi-ctl stop playback
//	hoshiyomi-ctl readings -limit 20
//	hoshiyomi-ctl reading MESSAGE_ID
//	hoshiyomi-ctl stats
//	hoshiyomi-ctl next
//	hoshiyomi-ctl step
package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"
)

func main() {
	addr := flag.String("addr", "http://localhost:8080", "Daemon API address")
	limit := flag.Int("limit", 50, "Row limit for the readings command")
	flag.Parse()

	args := flag.Args()
	if len(args) == 0 {
		usage()
		os.Exit(2)
	}

	client := &http.Client{Timeout: 5 * time.Minute}
	var err error
	switch args[0] {
	case "stages":
		err = call(client, http.MethodGet, *addr+"/api/stages")
	case "start", "stop":
		if len(args) != 2 {
			usage()
			os.Exit(2)
		}
		err = call(client, http.MethodPost, fmt.Sprintf("%s/api/stages/%s/%s", *addr, args[1], args[0]))
	case "readings":
		err = call(client, http.MethodGet, fmt.Sprintf("%s/api/readings?limit=%d", *addr, *limit))
	case "reading":
		if len(args) != 2 {
			usage()
			os.Exit(2)
		}
		err = call(client, http.MethodGet, fmt.Sprintf("%s/api/readings/%s", *addr, args[1]))
	case "stats":
		err = call(client, http.MethodGet, *addr+"/api/stats")
	case "next":
		err = call(client, http.MethodGet, *addr+"/api/playback/next")
	case "step":
		// Step blocks for the whole playback; the generous client timeout
		// covers long readings.
		err = call(client, http.MethodPost, *addr+"/api/playback/step")
	default:
		usage()
		os.Exit(2)
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func call(client *http.Client, method, url string) error {
	req, err := http.NewRequest(method, url, nil)
	if err != nil {
		return err
	}
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	var pretty bytes.Buffer
	if err := json.Indent(&pretty, body, "", "  "); err != nil {
		fmt.Println(string(body))
	} else {
		fmt.Println(pretty.String())
	}
	if resp.StatusCode >= 400 {
		return fmt.Errorf("%s %s: %s", method, url, resp.Status)
	}
	return nil
}

func usage() {
	fmt.Fprintln(os.Stderr, `usage: hoshiyomi-ctl [-addr URL] COMMAND

commands:
  stages            list pipeline stages and their state
  start STAGE       start a stage
  stop STAGE        stop a stage
  readings          list reading records (-limit N)
  reading ID        show one reading record
  stats             pipeline counters
  next              peek the playback queue
  step              play the next reading (manual mode)`)
}
