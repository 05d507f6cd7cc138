package discord

import (
	"context"
	"errors"
	"net/http"

	"github.com/bwmarrin/discordgo"

	"relaybot/internal/transport"
)

// classify maps a discordgo or network error onto the transport error kinds.
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

	var rl *discordgo.RateLimitError
	if errors.As(err, &rl) && rl != nil && rl.RateLimit != nil && rl.TooManyRequests != nil {
		return &transport.Error{Kind: transport.KindRateLimited, Op: op, RetryAfter: rl.RetryAfter, Err: err}
	}
	if errors.Is(err, discordgo.ErrUnauthorized) {
		return transport.NewError(transport.KindAuth, op, err)
	}
	var re *discordgo.RESTError
	if errors.As(err, &re) && re != nil {
		code, status := 0, 0
		if re.Message != nil {
			code = re.Message.Code
		}
		if re.Response != nil {
			status = re.Response.StatusCode
		}
		return transport.NewError(kindForAPI(status, code), op, err)
	}
	// Network failures and gateway errors are retried.
	return transport.NewError(transport.KindTransient, op, err)
}

func kindForAPI(status, code int) transport.ErrorKind {
	switch code {
	case discordgo.ErrCodeUnknownMessage, discordgo.ErrCodeUnknownChannel:
		return transport.KindNotFound
	case discordgo.ErrCodeMissingAccess, discordgo.ErrCodeMissingPermissions:
		return transport.KindPermission
	}
	switch {
	case status == http.StatusUnauthorized:
		return transport.KindAuth
	case status == http.StatusTooManyRequests:
		return transport.KindRateLimited
	case status == http.StatusForbidden:
		return transport.KindPermission
	case status == http.StatusNotFound:
		return transport.KindNotFound
	case status >= 400 && status < 500:
		return transport.KindInvalid
	}
	return transport.KindTransient
}
