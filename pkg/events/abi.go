package events

// Contract roles. A role names a logical contract identity; the decoder
// maps a role to its ABI and event allowlist.
const (
	RoleRouter  = "router"
	RoleFactory = "factory"
	RoleOptions = "options"
)

const routerABI = `[
	{"anonymous":false,"inputs":[
		{"indexed":true,"name":"queueId","type":"uint256"},
		{"indexed":false,"name":"optionId","type":"uint256"},
		{"indexed":false,"name":"expiration","type":"uint256"}
	],"name":"OpenTrade","type":"event"},
	{"anonymous":false,"inputs":[
		{"indexed":true,"name":"queueId","type":"uint256"},
		{"indexed":false,"name":"reason","type":"string"}
	],"name":"CancelTrade","type":"event"},
	{"anonymous":false,"inputs":[
		{"indexed":true,"name":"queueId","type":"uint256"},
		{"indexed":false,"name":"reason","type":"string"}
	],"name":"FailResolve","type":"event"},
	{"anonymous":false,"inputs":[
		{"indexed":true,"name":"optionId","type":"uint256"},
		{"indexed":false,"name":"reason","type":"string"}
	],"name":"FailUnlock","type":"event"},
	{"inputs":[{"name":"optionId","type":"uint256"}],"name":"unlock",
		"outputs":[],"stateMutability":"nonpayable","type":"function"}
]`

const factoryABI = `[
	{"anonymous":false,"inputs":[
		{"indexed":true,"name":"pool","type":"address"},
		{"indexed":true,"name":"token","type":"address"}
	],"name":"PoolCreated","type":"event"}
]`

const optionsABI = `[
	{"anonymous":false,"inputs":[
		{"indexed":true,"name":"id","type":"uint256"},
		{"indexed":false,"name":"profit","type":"uint256"}
	],"name":"Exercise","type":"event"},
	{"anonymous":false,"inputs":[
		{"indexed":true,"name":"id","type":"uint256"}
	],"name":"Expire","type":"event"}
]`
