package resolver

import "errors"

var (
	// ErrInvalidDomain 表示域名参数本身不可用，这是 Resolve 唯一会返回的错误
	ErrInvalidDomain = errors.New("resolver: invalid domain name")

	// ErrNoAnswer 表示服务器应答成功但没有任何合法的 A 记录
	ErrNoAnswer = errors.New("resolver: no valid A records in answer")

	// ErrBadRcode 表示服务器返回了非 NOERROR 的应答码
	ErrBadRcode = errors.New("resolver: unexpected response code")
)
