package snowflake

// claimNodeLua claims a node slot for ARGV[2], trying ARGV[4] first when it is a valid id
// and then the lowest free slot.
// ARGV: key prefix, holder, ttl ms, preferred id (-1 for none). Returns the id or -1.
const claimNodeLua = `
local prefix = ARGV[1]
local holder = ARGV[2]
local ttl = tonumber(ARGV[3])
local preferred = tonumber(ARGV[4])

local function claim(i)
    return redis.call("SET", prefix .. i, holder, "NX", "PX", ttl)
end

if preferred >= 0 and preferred <= 1023 and claim(preferred) then
    return preferred
end
for i = 0, 1023 do
    if claim(i) then
        return i
    end
end
return -1
`

// renewLeaseLua resets the TTL of KEYS[1] to ARGV[2] ms if ARGV[1] still holds it.
const renewLeaseLua = `
if redis.call("GET", KEYS[1]) == ARGV[1] then
    return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0
`

// releaseLeaseLua deletes KEYS[1] if ARGV[1] still holds it.
const releaseLeaseLua = `
if redis.call("GET", KEYS[1]) == ARGV[1] then
    return redis.call("DEL", KEYS[1])
end
return 0
`
