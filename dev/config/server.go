package config

const SERVER_YML = `
sos:
  escalationDelay: 90s
  peerRadiusKm: 15
  fanoutConcurrency: 8
  sweepSchedule: "*/1 * * * *"
  sweepGrace: 30s
  authorityNumbers:
    - "+914425360000"
  cron:
    timeZone: "Asia/Kolkata"
  listener:
    port: 3000
    corsOrigins:
      - "http://localhost:5173"
  workers:
    concurrency: 4

storage:
  driver: sqlite

sqlite:
  passPhrase: passphrase

postgres:
  dsn: "host=localhost user=smartsos password=smartsos dbname=smartsos port=5432 sslmode=disable"

twilio:
  enabled: false
  dryRun: true
  accountSid:
  authToken:
  messagingServiceSid:

nats:
  enabled: false
  url: "nats://127.0.0.1:4222"
  subjectPrefix: sos
  maxReconnects: 10
  reconnectWait: 2s
  connectTimeout: 5s
`
