// Package battleship 是一個透過聯邦式訊息網路對戰的雙人海戰遊戲。
//
// 兩位玩家先向配對伺服器排隊，配對成功後直接在訊息網路上建立對局，
// 各自擺放艦隊、確認，再以擲骰決定誰先開火。
//
// # 元件
//
//   - internal/fleet：棋盤、艦艇與擺放驗證
//   - internal/game：對局狀態機（擺放 → 戰鬥）
//   - internal/matchmaking：排隊與保活
//   - internal/peer：對手之間的擲骰訊息（含 ack 與重送）
//   - internal/transport：訊息網路（WebSocket 中繼、NATS、記憶體）
//   - internal/relay：WebSocket 中繼伺服器
//   - internal/broker：配對伺服器、排隊佇列（記憶體 / Redis）
//   - internal/history：對局紀錄（記憶體 / PostgreSQL）
//   - internal/player：無介面玩家的完整開局流程
//
// # 執行
//
// 中繼與配對伺服器：
//
//	go run ./cmd/relay -port 8080
//	go run ./cmd/broker -port 8081
//
// 兩個玩家：
//
//	go run ./cmd/client -address alice@battleship.me
//	go run ./cmd/client -address bob@battleship.me
//
// 不依賴任何外部服務的單機示範：
//
//	go run ./cmd/client -transport memory
//
// # 訊息協議
//
// 所有訊息都是同一種 JSON 信封 {from, to, action, attrs}：
//
//	queue              client → broker
//	success{id}        broker → client
//	ping{id}           雙向保活
//	assign{jid,mid}    broker → client，client 原樣回傳作為 ack
//	dice{value,seq}    對手之間
//	dice-ack{seq}      對手之間
//	undeliverable{to}  relay → client
package battleship
