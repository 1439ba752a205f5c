package llm

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"strings"
	"syscall"

	openai "github.com/sashabaranov/go-openai"

	"github.com/JakeFAU/recipe-crawler/internal/crawler"
)

// Classify maps an extraction error onto an ErrorKind. Only transient kinds
// are retried by RetryingExtractor.
func Classify(err error) crawler.ErrorKind {
	if err == nil {
		return ""
	}

	var tagged *crawler.Error
	if errors.As(err, &tagged) && tagged != nil {
		return tagged.Kind
	}

	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		if mentionsContentFilter(apiErr.Message) || codeIs(apiErr.Code, "content_filter") {
			return crawler.KindContentPolicy
		}
		return classifyStatus(apiErr.HTTPStatusCode)
	}
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		if reqErr.HTTPStatusCode == http.StatusBadRequest && mentionsContentFilter(reqErr.Error()) {
			return crawler.KindContentPolicy
		}
		return classifyStatus(reqErr.HTTPStatusCode)
	}

	var syntaxErr *json.SyntaxError
	var typeErr *json.UnmarshalTypeError
	if errors.As(err, &syntaxErr) || errors.As(err, &typeErr) {
		return crawler.KindValidation
	}

	switch {
	case errors.Is(err, context.DeadlineExceeded),
		errors.Is(err, io.ErrUnexpectedEOF),
		errors.Is(err, io.EOF),
		errors.Is(err, syscall.ECONNRESET),
		errors.Is(err, syscall.ECONNREFUSED):
		return crawler.KindTransient
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return crawler.KindTransient
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return crawler.KindTransient
	}
	return crawler.KindInternal
}

func classifyStatus(code int) crawler.ErrorKind {
	switch {
	case code == 0:
		return crawler.KindTransient
	case code == http.StatusRequestTimeout, code == http.StatusTooManyRequests:
		return crawler.KindTransient
	case code >= 500:
		return crawler.KindTransient
	case code >= 400:
		return crawler.KindValidation
	default:
		return crawler.KindInternal
	}
}

func mentionsContentFilter(msg string) bool {
	msg = strings.ToLower(msg)
	return strings.Contains(msg, "content filter") ||
		strings.Contains(msg, "content_filter") ||
		strings.Contains(msg, "content management policy")
}

func codeIs(code any, want string) bool {
	s, ok := code.(string)
	return ok && strings.EqualFold(s, want)
}
