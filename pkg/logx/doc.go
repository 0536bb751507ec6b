// Package logx is khatmbot's structured logger.
//
// logx.Logger is a small value type on top of zerolog:
//   - console output stays human readable (short timestamp + file:line caller)
//   - the optional file sink writes JSON lines
//   - the optional Telegram sink forwards warnings to an operator chat,
//     rate limited and never blocking the caller
package logx
