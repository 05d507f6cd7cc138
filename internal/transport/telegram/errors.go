package telegram

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	tele "gopkg.in/telebot.v4"

	"relaybot/internal/relay/retry"
	"relaybot/internal/transport"
)

// classify maps a telebot or network error onto the transport error kinds.
func classify(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) {
		return err
	}
	var te *transport.Error
	if errors.As(err, &te) {
		return err
	}

	var fv tele.FloodError
	if errors.As(err, &fv) {
		return &transport.Error{Kind: transport.KindRateLimited, Op: op, RetryAfter: time.Duration(fv.RetryAfter) * time.Second, Err: err}
	}
	var fp *tele.FloodError
	if errors.As(err, &fp) && fp != nil {
		return &transport.Error{Kind: transport.KindRateLimited, Op: op, RetryAfter: time.Duration(fp.RetryAfter) * time.Second, Err: err}
	}

	var api *tele.Error
	if errors.As(err, &api) && api != nil {
		return transport.NewError(kindForAPI(api.Code, api.Description), op, err)
	}
	if retry.IsTimeout(err) {
		return transport.NewError(transport.KindTransient, op, err)
	}
	// telebot reports unknown API errors as plain strings.
	return transport.NewError(kindForAPI(0, err.Error()), op, err)
}

func kindForAPI(code int, desc string) transport.ErrorKind {
	d := strings.ToLower(desc)
	switch {
	case code == http.StatusUnauthorized || strings.Contains(d, "unauthorized"):
		return transport.KindAuth
	case code == http.StatusTooManyRequests || strings.Contains(d, "too many requests"):
		return transport.KindRateLimited
	case strings.Contains(d, "message to edit not found"),
		strings.Contains(d, "message to delete not found"),
		strings.Contains(d, "message can't be deleted"),
		strings.Contains(d, "chat not found"):
		return transport.KindNotFound
	case code == http.StatusForbidden,
		strings.Contains(d, "forbidden"),
		strings.Contains(d, "not enough rights"),
		strings.Contains(d, "have no rights"),
		strings.Contains(d, "bot was kicked"):
		return transport.KindPermission
	case code == http.StatusNotFound:
		// getMe answers 404 for a malformed token.
		return transport.KindAuth
	case code == http.StatusBadRequest || strings.Contains(d, "bad request"):
		return transport.KindInvalid
	}
	return transport.KindTransient
}

func isNoText(err error) bool {
	return strings.Contains(strings.ToLower(err.Error()), "there is no text in the message to edit")
}

func isNotModified(err error) bool {
	return strings.Contains(strings.ToLower(err.Error()), "message is not modified")
}
