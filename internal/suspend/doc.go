// Package suspend freezes connection queues during cron-defined windows.
//
// Each window has a freeze schedule and an unfreeze schedule. A window that
// names no queues applies to every foreground queue via FreezeAll.
package suspend
