/*
Engine implements the trading core shared by live trading and backtests.

# Module
  - core: single owner of the ledger, the risk governor and the order manager
  - strategy fan-out: strategies evaluate in parallel, intents merge back in registration order
  - risk gate: one intent at a time against a risk state derived from the latest ledger snapshot
  - journal: every market event, session boundary, intent, decision, order and fill is written ahead

# Source
 1. normalized market events from the market data stream or a historical replay
 2. broker acknowledgements, fills, rejections and session drops
 3. operator commands (kill switch, config reload)

# Produce
  - orders to the broker gateway
  - checkpoints to the store
  - alerts to the sink

# Threading
  - Core is not safe for concurrent use; Live serializes every input through one inbox
*/
package engine
