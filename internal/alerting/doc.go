// Package alerting содержит пороговые правила для показаний датчиков.
//
// Для каждого типа датчика объявляется упорядоченный список правил. Правило
// срабатывает по мгновенному значению показания, результат вычисления:
// список тегов (TEMP_HIGH, POWER_SPIKE, ...) в порядке объявления правил.
package alerting
