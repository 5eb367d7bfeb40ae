package main

import (
	"crypto/md5"
	"encoding/hex"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

var (
	addr       = flag.String("addr", "http://localhost:8080", "hub address")
	secret     = flag.String("secret", "", "admin secret (default $ADMINSECRET)")
	user       = flag.String("user", "", "owner of the document; empty for global collections")
	collection = flag.String("collection", "doctors", "collection")
	doc        = flag.String("doc", "", `document json, e.g. {"id":"dr1","name":"Dr. Rao"}`)
)

type Result struct {
	Code string `json:"code"`
	Data string `json:"data"`
}

func main() {
	_ = godotenv.Load()
	flag.Parse()
	if *secret == "" {
		*secret = os.Getenv("ADMINSECRET")
	}

	d := map[string]interface{}{}
	if err := json.Unmarshal([]byte(*doc), &d); err != nil {
		fmt.Fprintln(os.Stderr, "doc:", err)
		os.Exit(2)
	}
	r, err := Publish(*addr, *secret, *user, *collection, d)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	fmt.Println(r.Code, r.Data)
}

func MD5(s string) string {
	m := md5.New()
	m.Write([]byte(s))
	return hex.EncodeToString(m.Sum(nil))
}

// Publish sends a signed admin publish to the hub at addr.
func Publish(addr, secret, user, collection string, doc map[string]interface{}) (Result, error) {
	ts := strconv.FormatInt(time.Now().Unix(), 10)

	u, err := url.Parse(strings.TrimRight(addr, "/") + "/admin/publish")
	if err != nil {
		return Result{}, err
	}
	md, err := json.Marshal(map[string]interface{}{
		"userId":     user,
		"collection": collection,
		"document":   doc,
	})
	if err != nil {
		return Result{}, err
	}

	params := url.Values{}
	params.Set("sign", MD5(secret+string(md)+ts))
	params.Set("ts", ts)
	u.RawQuery = params.Encode()

	resp, err := http.Post(u.String(), "application/json", strings.NewReader(string(md)))
	if err != nil {
		return Result{}, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return Result{}, err
	}
	result := Result{}
	if err := json.Unmarshal(body, &result); err != nil {
		return Result{}, fmt.Errorf("hub answered %s: %s", resp.Status, body)
	}
	return result, nil
}
