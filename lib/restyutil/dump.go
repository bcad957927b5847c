// Package restyutil writes every request/response pair a resty client makes to an Output,
// which is how page fixtures are captured when the scraped site changes its markup.
package restyutil

import (
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"

	"github.com/go-resty/resty/v2"
)

type Output interface {
	Write(name string, contents string)
}

type DirectoryOutput struct {
	directory string
}

func NewDirectoryOutput(dir string) (DirectoryOutput, error) {
	err := os.MkdirAll(dir, 0755)
	if err != nil {
		return DirectoryOutput{}, err
	}
	return DirectoryOutput{directory: dir}, nil
}

func (o DirectoryOutput) Write(name string, contents string) {
	err := os.WriteFile(filepath.Join(o.directory, name), []byte(contents), 0600)
	if err != nil {
		slog.Warn("failed to write http exchange", "name", name, "err", err)
	}
}

func exchangeName(id uint64, method, rawUrl string) string {
	path := "root"
	parsed, err := url.Parse(rawUrl)
	if err == nil {
		trimmed := strings.Trim(parsed.Path, "/")
		if trimmed != "" {
			path = strings.ReplaceAll(trimmed, "/", "_")
		}
	}
	return fmt.Sprintf("%03d-%s-%s.txt", id, strings.ToLower(method), path)
}

// DumpExchanges writes each completed exchange of client to output, named
// "<sequence>-<method>-<path>.txt". Session cookies are redacted.
func DumpExchanges(client *resty.Client, output Output) {
	var idcounter uint64
	client.OnAfterResponse(func(_ *resty.Client, res *resty.Response) error {
		id := atomic.AddUint64(&idcounter, 1)
		output.Write(exchangeName(id, res.Request.Method, res.Request.URL), formatExchange(res))
		return nil
	})
}
