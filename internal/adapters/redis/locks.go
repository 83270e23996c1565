package redis

import (
	"context"
	"encoding/json"
	"strconv"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/redis/go-redis/v9"

	"github.com/robertarktes/court-slot-reservations/internal/domain"
)

// Lock table layout: one hash per court-day keyed by range key, and one
// sorted set of every hold scored by expiry for the sweep. Both share a hash
// tag so the scripts stay on one cluster slot.
const (
	locksDayPrefix = "csr:{locks}:day:"
	locksExpiryKey = "csr:{locks}:expiry"
)

type holdValue struct {
	Holder    string `json:"h"`
	BookingID string `json:"b"`
	CreatedAt string `json:"c"`
	ExpiresAt string `json:"e"`
}

var acquireScript = redis.NewScript(`
local start = tonumber(ARGV[2])
local dur = tonumber(ARGV[3])
local now = tonumber(ARGV[6])
local stale = {}
local fields = redis.call('HGETALL', KEYS[1])
for i = 1, #fields, 2 do
  local k = fields[i]
  local s, d = string.match(k, '^(%d+):(%d+)$')
  s = tonumber(s)
  d = tonumber(d)
  if s < start + dur and start < s + d then
    local h = cjson.decode(fields[i + 1])
    if tonumber(h.e) > now then
      if k == ARGV[1] and h.h == ARGV[5] then
        return {1, fields[i + 1]}
      end
      return {0, fields[i + 1]}
    end
    table.insert(stale, k)
  end
end
for _, k in ipairs(stale) do
  redis.call('HDEL', KEYS[1], k)
  redis.call('ZREM', KEYS[2], ARGV[8] .. '#' .. k)
end
redis.call('HSET', KEYS[1], ARGV[1], ARGV[4])
redis.call('ZADD', KEYS[2], ARGV[7], ARGV[8] .. '#' .. ARGV[1])
return {1, ARGV[4]}
`)

var releaseScript = redis.NewScript(`
local v = redis.call('HGET', KEYS[1], ARGV[1])
if not v then
  return 1
end
if cjson.decode(v).h ~= ARGV[2] then
  return 0
end
redis.call('HDEL', KEYS[1], ARGV[1])
redis.call('ZREM', KEYS[2], ARGV[3])
return 1
`)

var renewScript = redis.NewScript(`
local v = redis.call('HGET', KEYS[1], ARGV[1])
if not v then
  return {0, ''}
end
local h = cjson.decode(v)
if tonumber(h.e) <= tonumber(ARGV[4]) then
  return {0, ''}
end
if h.h ~= ARGV[2] then
  return {-1, ''}
end
h.e = ARGV[3]
v = cjson.encode(h)
redis.call('HSET', KEYS[1], ARGV[1], v)
redis.call('ZADD', KEYS[2], ARGV[3], ARGV[5])
return {1, v}
`)

var releaseExpiredScript = redis.NewScript(`
local v = redis.call('HGET', KEYS[1], ARGV[1])
if not v then
  redis.call('ZREM', KEYS[2], ARGV[5])
  return 0
end
local h = cjson.decode(v)
if h.h ~= ARGV[2] or h.b ~= ARGV[3] or tonumber(h.e) > tonumber(ARGV[4]) then
  return 0
end
redis.call('HDEL', KEYS[1], ARGV[1])
redis.call('ZREM', KEYS[2], ARGV[5])
return 1
`)

// LockStore is the lock table shared by every API instance. Each operation
// is one Lua script, so check-and-set is atomic across instances.
type LockStore struct {
	client *redis.Client
}

func NewLockStore(client *redis.Client) *LockStore {
	return &LockStore{client: client}
}

func dayKey(courtID string, date domain.Date) string {
	return locksDayPrefix + domain.DayKey(courtID, date)
}

func member(slot domain.SlotIdentity) string {
	return slot.DayKey() + "#" + slot.Range.Key()
}

func millis(t time.Time) string {
	return strconv.FormatInt(t.UnixMilli(), 10)
}

func parseMillis(s string) (time.Time, error) {
	ms, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return time.Time{}, errors.Wrapf(err, "parse millis %q", s)
	}
	return time.UnixMilli(ms).UTC(), nil
}

func encodeHold(h domain.Hold) (string, error) {
	b, err := json.Marshal(holdValue{
		Holder:    h.HolderSessionID,
		BookingID: h.BookingID,
		CreatedAt: millis(h.CreatedAt),
		ExpiresAt: millis(h.ExpiresAt),
	})
	return string(b), err
}

func decodeHold(slot domain.SlotIdentity, raw string) (domain.Hold, error) {
	var v holdValue
	if err := json.Unmarshal([]byte(raw), &v); err != nil {
		return domain.Hold{}, errors.Wrap(err, "decode hold")
	}
	created, err := parseMillis(v.CreatedAt)
	if err != nil {
		return domain.Hold{}, err
	}
	expires, err := parseMillis(v.ExpiresAt)
	if err != nil {
		return domain.Hold{}, err
	}
	return domain.Hold{Slot: slot, HolderSessionID: v.Holder, BookingID: v.BookingID, CreatedAt: created, ExpiresAt: expires}, nil
}

// parseMember reverses member.
func parseMember(m string) (domain.SlotIdentity, error) {
	i := strings.LastIndex(m, "#")
	j := strings.Index(m, "|")
	if i < 0 || j < 0 || j > i {
		return domain.SlotIdentity{}, errors.Newf("malformed lock member %q", m)
	}
	date, err := domain.ParseDate(m[j+1 : i])
	if err != nil {
		return domain.SlotIdentity{}, err
	}
	r, err := domain.ParseTimeRangeKey(m[i+1:])
	if err != nil {
		return domain.SlotIdentity{}, err
	}
	return domain.SlotIdentity{CourtID: m[:j], Date: date, Range: r}, nil
}

func scriptReply(res interface{}) (int64, string, error) {
	parts, ok := res.([]interface{})
	if !ok || len(parts) != 2 {
		return 0, "", errors.Newf("unexpected script reply %v", res)
	}
	code, _ := parts[0].(int64)
	val, _ := parts[1].(string)
	return code, val, nil
}

func (s *LockStore) Acquire(ctx context.Context, h domain.Hold, now time.Time) (domain.Hold, error) {
	v, err := encodeHold(h)
	if err != nil {
		return domain.Hold{}, err
	}
	res, err := acquireScript.Run(ctx, s.client,
		[]string{dayKey(h.Slot.CourtID, h.Slot.Date), locksExpiryKey},
		h.Slot.Range.Key(), h.Slot.Range.StartMinute, h.Slot.Range.DurationMinutes,
		v, h.HolderSessionID, now.UnixMilli(), h.ExpiresAt.UnixMilli(), h.Slot.DayKey(),
	).Result()
	if err != nil {
		return domain.Hold{}, errors.Wrap(err, "acquire hold")
	}
	code, raw, err := scriptReply(res)
	if err != nil {
		return domain.Hold{}, err
	}
	if code == 0 {
		existing, derr := decodeHold(h.Slot, raw)
		if derr != nil {
			return domain.Hold{}, errors.Wrapf(domain.ErrHoldConflict, "%s", h.Slot)
		}
		return domain.Hold{}, errors.Wrapf(domain.ErrHoldConflict, "%s held until %s", h.Slot, existing.ExpiresAt.Format(time.RFC3339))
	}
	return decodeHold(h.Slot, raw)
}

func (s *LockStore) Release(ctx context.Context, slot domain.SlotIdentity, holderSessionID string) error {
	ok, err := releaseScript.Run(ctx, s.client,
		[]string{dayKey(slot.CourtID, slot.Date), locksExpiryKey},
		slot.Range.Key(), holderSessionID, member(slot),
	).Int()
	if err != nil {
		return errors.Wrap(err, "release hold")
	}
	if ok == 0 {
		return errors.Wrapf(domain.ErrNotOwner, "release %s", slot)
	}
	return nil
}

func (s *LockStore) Renew(ctx context.Context, slot domain.SlotIdentity, holderSessionID string, expiresAt, now time.Time) (domain.Hold, error) {
	res, err := renewScript.Run(ctx, s.client,
		[]string{dayKey(slot.CourtID, slot.Date), locksExpiryKey},
		slot.Range.Key(), holderSessionID, expiresAt.UnixMilli(), now.UnixMilli(), member(slot),
	).Result()
	if err != nil {
		return domain.Hold{}, errors.Wrap(err, "renew hold")
	}
	code, raw, err := scriptReply(res)
	if err != nil {
		return domain.Hold{}, err
	}
	switch code {
	case 0:
		return domain.Hold{}, errors.Wrapf(domain.ErrHoldNotFound, "renew %s", slot)
	case -1:
		return domain.Hold{}, errors.Wrapf(domain.ErrNotOwner, "renew %s", slot)
	}
	return decodeHold(slot, raw)
}

func (s *LockStore) Get(ctx context.Context, slot domain.SlotIdentity) (domain.Hold, bool, error) {
	raw, err := s.client.HGet(ctx, dayKey(slot.CourtID, slot.Date), slot.Range.Key()).Result()
	if err == redis.Nil {
		return domain.Hold{}, false, nil
	}
	if err != nil {
		return domain.Hold{}, false, errors.Wrap(err, "get hold")
	}
	h, err := decodeHold(slot, raw)
	if err != nil {
		return domain.Hold{}, false, err
	}
	return h, true, nil
}

func (s *LockStore) Holds(ctx context.Context, courtID string, date domain.Date, now time.Time) ([]domain.Hold, error) {
	fields, err := s.client.HGetAll(ctx, dayKey(courtID, date)).Result()
	if err != nil {
		return nil, errors.Wrap(err, "list holds")
	}
	var out []domain.Hold
	for key, raw := range fields {
		r, err := domain.ParseTimeRangeKey(key)
		if err != nil {
			return nil, err
		}
		h, err := decodeHold(domain.SlotIdentity{CourtID: courtID, Date: date, Range: r}, raw)
		if err != nil {
			return nil, err
		}
		if h.Live(now) {
			out = append(out, h)
		}
	}
	return out, nil
}

func (s *LockStore) Expired(ctx context.Context, now time.Time) ([]domain.Hold, error) {
	members, err := s.client.ZRangeByScore(ctx, locksExpiryKey, &redis.ZRangeBy{Min: "-inf", Max: millis(now)}).Result()
	if err != nil {
		return nil, errors.Wrap(err, "list expired holds")
	}
	var out []domain.Hold
	for _, m := range members {
		slot, err := parseMember(m)
		if err != nil {
			return nil, err
		}
		h, ok, err := s.Get(ctx, slot)
		if err != nil {
			return nil, err
		}
		if !ok {
			s.client.ZRem(ctx, locksExpiryKey, m)
			continue
		}
		if !h.Live(now) {
			out = append(out, h)
		}
	}
	return out, nil
}

func (s *LockStore) ReleaseExpired(ctx context.Context, h domain.Hold, now time.Time) (bool, error) {
	n, err := releaseExpiredScript.Run(ctx, s.client,
		[]string{dayKey(h.Slot.CourtID, h.Slot.Date), locksExpiryKey},
		h.Slot.Range.Key(), h.HolderSessionID, h.BookingID, now.UnixMilli(), member(h.Slot),
	).Int()
	if err != nil {
		return false, errors.Wrap(err, "release expired hold")
	}
	return n == 1, nil
}
