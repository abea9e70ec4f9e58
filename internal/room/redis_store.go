package room

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"go-listen/internal/protocol"
)

const (
	keyPrefix = "listen:"
	roomsKey  = keyPrefix + "rooms"

	// InstanceTTL is how long an instance's members outlive its last heartbeat.
	InstanceTTL = 30 * time.Second
)

func membersKey(roomID string) string {
	return keyPrefix + "room:" + roomID + ":members"
}

func instanceKey(instanceID string) string {
	return keyPrefix + "instance:" + instanceID
}

// Redis drops a hash when its last field goes, so only the room index needs
// explicit upkeep. Both scripts keep the hash and the index in step. A join
// also refreshes the joining instance's heartbeat.
var (
	joinScript = redis.NewScript(`
local added = redis.call('HSETNX', KEYS[1], ARGV[1], ARGV[2])
if added == 1 then
  redis.call('SADD', KEYS[2], ARGV[3])
end
redis.call('SET', KEYS[3], '1', 'PX', ARGV[4])
return added`)

	leaveScript = redis.NewScript(`
local removed = redis.call('HDEL', KEYS[1], ARGV[1])
if redis.call('HLEN', KEYS[1]) == 0 then
  redis.call('SREM', KEYS[2], ARGV[2])
end
return removed`)
)

// storedMember tags a member with the instance holding its connection.
type storedMember struct {
	protocol.Member
	Instance string `json:"instance,omitempty"`
}

var _ Heartbeater = (*RedisStore)(nil)

// RedisStore shares the membership table between relay instances. Members
// belong to the instance that wrote them and disappear from reads once that
// instance stops sending heartbeats.
type RedisStore struct {
	rdb      *redis.Client
	instance string
}

func NewRedisStore(rdb *redis.Client) *RedisStore {
	return &RedisStore{rdb: rdb, instance: uuid.New().String()}
}

func (s *RedisStore) InstanceID() string {
	return s.instance
}

// Heartbeat marks this instance alive for InstanceTTL.
func (s *RedisStore) Heartbeat(ctx context.Context) error {
	if err := s.rdb.Set(ctx, instanceKey(s.instance), 1, InstanceTTL).Err(); err != nil {
		return fmt.Errorf("redis heartbeat: %w", err)
	}
	return nil
}

// Retire drops the heartbeat so other instances stop counting this one.
func (s *RedisStore) Retire(ctx context.Context) error {
	if err := s.rdb.Del(ctx, instanceKey(s.instance)).Err(); err != nil {
		return fmt.Errorf("redis retire: %w", err)
	}
	return nil
}

func (s *RedisStore) Join(ctx context.Context, roomID string, member protocol.Member) (bool, error) {
	data, err := json.Marshal(storedMember{Member: member, Instance: s.instance})
	if err != nil {
		return false, fmt.Errorf("marshal member: %w", err)
	}
	keys := []string{membersKey(roomID), roomsKey, instanceKey(s.instance)}
	added, err := joinScript.Run(ctx, s.rdb, keys, member.ConnID, data, roomID, InstanceTTL.Milliseconds()).Int()
	if err != nil {
		return false, fmt.Errorf("redis join %s: %w", roomID, err)
	}
	return added == 1, nil
}

func (s *RedisStore) Leave(ctx context.Context, roomID, connID string) (bool, error) {
	removed, err := leaveScript.Run(ctx, s.rdb, []string{membersKey(roomID), roomsKey}, connID, roomID).Int()
	if err != nil {
		return false, fmt.Errorf("redis leave %s: %w", roomID, err)
	}
	return removed == 1, nil
}

// Members returns the room's members held by live instances.
func (s *RedisStore) Members(ctx context.Context, roomID string) ([]protocol.Member, error) {
	entries, err := s.entries(ctx, roomID)
	if err != nil {
		return nil, err
	}
	alive, err := s.liveInstances(ctx, entries)
	if err != nil {
		return nil, err
	}

	members := make([]protocol.Member, 0, len(entries))
	for _, e := range entries {
		if alive[e.Instance] {
			members = append(members, e.Member)
		}
	}
	sortMembers(members)
	return members, nil
}

func (s *RedisStore) Rooms(ctx context.Context) ([]Info, error) {
	ids, err := s.rdb.SMembers(ctx, roomsKey).Result()
	if err != nil {
		return nil, fmt.Errorf("redis rooms: %w", err)
	}
	sort.Strings(ids)

	rooms := make([]Info, 0, len(ids))
	for _, id := range ids {
		members, err := s.Members(ctx, id)
		if err != nil {
			return nil, err
		}
		if len(members) > 0 {
			rooms = append(rooms, Info{ID: id, Members: len(members)})
		}
	}
	return rooms, nil
}

// Prune deletes members whose instance has stopped sending heartbeats and
// returns the rooms it changed. Each stale member is removed by exactly one
// caller, so concurrent pruners do not report the same room twice.
func (s *RedisStore) Prune(ctx context.Context) ([]string, error) {
	ids, err := s.rdb.SMembers(ctx, roomsKey).Result()
	if err != nil {
		return nil, fmt.Errorf("redis rooms: %w", err)
	}
	sort.Strings(ids)

	var changed []string
	for _, id := range ids {
		entries, err := s.entries(ctx, id)
		if err != nil {
			return changed, err
		}
		alive, err := s.liveInstances(ctx, entries)
		if err != nil {
			return changed, err
		}

		pruned := false
		for _, e := range entries {
			if alive[e.Instance] {
				continue
			}
			removed, err := s.Leave(ctx, id, e.ConnID)
			if err != nil {
				return changed, err
			}
			pruned = pruned || removed
		}
		if pruned {
			changed = append(changed, id)
		}
	}
	return changed, nil
}

func (s *RedisStore) entries(ctx context.Context, roomID string) ([]storedMember, error) {
	raw, err := s.rdb.HGetAll(ctx, membersKey(roomID)).Result()
	if err != nil {
		return nil, fmt.Errorf("redis members %s: %w", roomID, err)
	}
	entries := make([]storedMember, 0, len(raw))
	for connID, v := range raw {
		var e storedMember
		if err := json.Unmarshal([]byte(v), &e); err != nil {
			return nil, fmt.Errorf("decode member %s: %w", connID, err)
		}
		entries = append(entries, e)
	}
	return entries, nil
}

// liveInstances reports which of the entries' instances still have a
// heartbeat. Entries without an instance tag count as live.
func (s *RedisStore) liveInstances(ctx context.Context, entries []storedMember) (map[string]bool, error) {
	alive := map[string]bool{"": true}
	checks := make(map[string]*redis.IntCmd)

	pipe := s.rdb.Pipeline()
	for _, e := range entries {
		if _, seen := checks[e.Instance]; seen || e.Instance == "" {
			continue
		}
		checks[e.Instance] = pipe.Exists(ctx, instanceKey(e.Instance))
	}
	if len(checks) == 0 {
		return alive, nil
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("redis instance check: %w", err)
	}
	for id, cmd := range checks {
		alive[id] = cmd.Val() == 1
	}
	return alive, nil
}
