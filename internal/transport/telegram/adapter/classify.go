package adapter

import (
	"errors"
	"regexp"
	"strconv"
	"strings"

	tele "gopkg.in/telebot.v4"

	kit "drawbot/internal/transport"
)

// telebot renders API failures as "telegram: <description> (<code>)".
var apiErrorRe = regexp.MustCompile(`telegram: (.*) \((\d{3})\)\s*$`)

var retryAfterRe = regexp.MustCompile(`retry after (\d+)`)

// Descriptions meaning the chat can never receive messages from this bot.
var unreachableHints = []string{
	"bot was blocked by the user",
	"user is deactivated",
	"chat not found",
	"bot was kicked",
	"bot is not a member",
	"have no rights to send",
	"peer_id_invalid",
	"group chat was upgraded",
	"chat_write_forbidden",
}

// Classify maps a telebot error onto the transport taxonomy. Errors that
// carry no API code (network, timeouts) are returned unchanged and count as
// retryable.
func Classify(err error) error {
	if err == nil {
		return nil
	}
	var se *kit.SendError
	if errors.As(err, &se) {
		return err
	}

	code, desc, ok := apiError(err)
	if !ok {
		return err
	}
	lower := strings.ToLower(desc)

	switch {
	case code == 429:
		e := &kit.SendError{Code: code, Description: desc, Kind: kit.ErrTransient, Cause: err}
		if m := retryAfterRe.FindStringSubmatch(lower); m != nil {
			e.RetryAfter, _ = strconv.Atoi(m[1])
		}
		return e
	case code >= 500:
		return kit.Transient(code, desc, err)
	case code == 403:
		return kit.Unreachable(code, desc, err)
	case code == 400 && containsAny(lower, unreachableHints):
		return kit.Unreachable(code, desc, err)
	case code >= 400:
		return kit.Rejected(code, desc, err)
	default:
		return err
	}
}

func apiError(err error) (int, string, bool) {
	var te *tele.Error
	if errors.As(err, &te) && te.Code > 0 {
		return te.Code, te.Description, true
	}
	m := apiErrorRe.FindStringSubmatch(err.Error())
	if m == nil {
		return 0, "", false
	}
	code, convErr := strconv.Atoi(m[2])
	if convErr != nil {
		return 0, "", false
	}
	return code, m[1], true
}

func isParseEntitiesError(err error) bool {
	_, desc, ok := apiError(err)
	return ok && strings.Contains(strings.ToLower(desc), "can't parse entities")
}

func containsAny(s string, subs []string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}
