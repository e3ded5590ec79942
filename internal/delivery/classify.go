package delivery

import (
	"errors"
	"net"
	"net/textproto"
	"strings"

	"github.com/ultrazend/ultrazend/internal/domain"
)

// classify maps a delivery error to transient or permanent. 4xx replies
// and network trouble retry; 5xx replies are final. An unrecognized error
// defaults to transient so a parsing gap never drops mail.
func classify(err error) (domain.Classification, int) {
	if err == nil {
		return "", 0
	}

	var proto *textproto.Error
	if errors.As(err, &proto) {
		switch {
		case proto.Code >= 500:
			return domain.ClassPermanent, proto.Code
		case proto.Code >= 400:
			return domain.ClassTransient, proto.Code
		}
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return domain.ClassTransient, 0
	}

	// net/smtp wraps some replies as plain strings.
	msg := err.Error()
	if len(msg) >= 3 {
		switch msg[0] {
		case '5':
			if isReplyCode(msg) {
				return domain.ClassPermanent, replyCode(msg)
			}
		case '4':
			if isReplyCode(msg) {
				return domain.ClassTransient, replyCode(msg)
			}
		}
	}
	return domain.ClassTransient, 0
}

func isReplyCode(msg string) bool {
	return len(msg) >= 4 && msg[1] >= '0' && msg[1] <= '9' &&
		msg[2] >= '0' && msg[2] <= '9' && (msg[3] == ' ' || msg[3] == '-')
}

func replyCode(msg string) int {
	return int(msg[0]-'0')*100 + int(msg[1]-'0')*10 + int(msg[2]-'0')
}

// permanentDNS reports whether an MX resolution failure is final:
// a domain with no MX and no address records can never receive mail.
func permanentDNS(err error) bool {
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) && dnsErr.IsNotFound {
		return true
	}
	return strings.Contains(err.Error(), "no records")
}
