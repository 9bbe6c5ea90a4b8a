package engine

import "errors"

// 以下错误会让本次运行提前结束，不生成输出文件
var (
	ErrNoDomains    = errors.New("engine: no domains to resolve")
	ErrNoAddresses  = errors.New("engine: no addresses resolved")
	ErrNoReachable  = errors.New("engine: no address passed the reachability filter")
	ErrNoCandidates = errors.New("engine: no address survived stability and bandwidth testing")
)
