package proxy

import (
	"errors"
	"fmt"
	"strings"

	"github.com/pyropy/slotcluster/core/model"
)

var (
	ErrUnknownCommand = errors.New("unknown command")
	ErrWrongArity     = errors.New("wrong number of arguments")
	ErrCrossSlot      = errors.New("keys in request don't hash to the same slot")
)

// CommandSpec describes where a command's keys are and whether it writes.
// LastKey is an index from the end when negative, as in COMMAND INFO.
type CommandSpec struct {
	Name     string
	Arity    int
	Write    bool
	FirstKey int
	LastKey  int
	Step     int
}

var commandTable = map[string]CommandSpec{}

func register(write bool, arity, first, last, step int, names ...string) {
	for _, name := range names {
		commandTable[name] = CommandSpec{
			Name:     name,
			Arity:    arity,
			Write:    write,
			FirstKey: first,
			LastKey:  last,
			Step:     step,
		}
	}
}

func init() {
	register(false, 2, 1, 1, 1, "GET", "TTL", "PTTL", "TYPE", "STRLEN", "HGETALL", "HLEN", "HKEYS", "HVALS",
		"LLEN", "SMEMBERS", "SCARD", "ZCARD", "DUMP", "EXPIRETIME", "PEXPIRETIME")
	register(false, 3, 1, 1, 1, "HGET", "HEXISTS", "LINDEX", "SISMEMBER", "ZSCORE", "ZRANK", "HSTRLEN")
	register(false, -3, 1, 1, 1, "HMGET", "SMISMEMBER")
	register(false, 4, 1, 1, 1, "GETRANGE", "LRANGE", "ZCOUNT")
	register(false, -4, 1, 1, 1, "ZRANGE", "ZRANGEBYSCORE", "ZREVRANGE")
	register(false, -2, 1, -1, 1, "MGET", "EXISTS", "SINTER", "SUNION", "SDIFF")

	register(true, -3, 1, 1, 1, "SET", "HSET", "HDEL", "LPUSH", "RPUSH", "SADD", "SREM", "ZREM", "HMSET")
	register(true, 3, 1, 1, 1, "SETNX", "GETSET", "APPEND", "INCRBY", "DECRBY", "INCRBYFLOAT", "EXPIRE",
		"PEXPIRE", "EXPIREAT", "PEXPIREAT")
	register(true, 4, 1, 1, 1, "SETEX", "PSETEX", "HINCRBY", "HSETNX", "LSET", "ZINCRBY", "SETRANGE", "LREM")
	register(true, -4, 1, 1, 1, "ZADD", "RESTORE")
	register(true, 2, 1, 1, 1, "GETDEL", "INCR", "DECR", "PERSIST")
	register(true, -2, 1, 1, 1, "LPOP", "RPOP", "SPOP")
	register(true, -2, 1, -1, 1, "DEL", "UNLINK", "TOUCH")
	register(true, -3, 1, -1, 2, "MSET", "MSETNX")
	register(true, 3, 1, 2, 1, "RENAME", "RENAMENX")
}

// LookupCommand returns the spec of a keyed command.
func LookupCommand(name []byte) (CommandSpec, bool) {
	spec, ok := commandTable[strings.ToUpper(string(name))]
	return spec, ok
}

// Keys returns the keys of args, which include the command name.
func (c CommandSpec) Keys(args [][]byte) ([][]byte, error) {
	if (c.Arity > 0 && len(args) != c.Arity) || (c.Arity < 0 && len(args) < -c.Arity) {
		return nil, fmt.Errorf("%w for '%s' command", ErrWrongArity, strings.ToLower(c.Name))
	}

	last := c.LastKey
	if last < 0 {
		last = len(args) + last
	}
	if c.Step > 1 && (last-c.FirstKey+1)%c.Step != 0 {
		return nil, fmt.Errorf("%w for '%s' command", ErrWrongArity, strings.ToLower(c.Name))
	}

	keys := make([][]byte, 0, (last-c.FirstKey)/c.Step+1)
	for i := c.FirstKey; i <= last && i < len(args); i += c.Step {
		keys = append(keys, args[i])
	}

	return keys, nil
}

// KeysSlot returns the slot shared by every key.
func KeysSlot(keys [][]byte) (int, error) {
	if len(keys) == 0 {
		return 0, fmt.Errorf("%w: no keys", ErrWrongArity)
	}

	slot := model.SlotOf(keys[0])
	for _, k := range keys[1:] {
		if model.SlotOf(k) != slot {
			return 0, ErrCrossSlot
		}
	}

	return slot, nil
}
